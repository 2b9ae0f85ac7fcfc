package cli

import (
	"fmt"
	"log/slog"

	"github.com/veridoc/veridoc/internal/config"
	"github.com/veridoc/veridoc/internal/forensic"
	"github.com/veridoc/veridoc/internal/graph"
	"github.com/veridoc/veridoc/internal/pipeline"
	"github.com/veridoc/veridoc/internal/sched"
	"github.com/veridoc/veridoc/internal/scoring"
	"github.com/veridoc/veridoc/internal/trust"
)

// buildOrchestrator wires an orchestrator from configuration: trust store,
// inspectors, scheduler, reasoner and scoring policy. Shared by serve and
// analyze.
func buildOrchestrator(cfg *config.Config, logger *slog.Logger) (*forensic.Orchestrator, error) {
	store, err := trust.Load(cfg.TrustRootsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("loading trust roots: %w", err)
	}

	policy := scoring.DefaultPolicy()
	if cfg.PolicyPath != "" {
		policy, err = scoring.Load(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("loading scoring policy: %w", err)
		}
	}

	var visual pipeline.Inspector = pipeline.NewUnavailable("visual")
	if cfg.VisualEndpoint != "" {
		visual = pipeline.NewVisualClient(cfg.VisualEndpoint, nil)
	}

	caps := sched.Capabilities{
		graph.CapabilityStructural:    pipeline.NewStructural(),
		graph.CapabilityCryptographic: pipeline.NewCryptographic(store),
		graph.CapabilityVisual:        visual,
		graph.CapabilityUnsupported:   pipeline.NewUnsupported(),
	}

	builder := graph.NewBuilder(graph.UUIDv7Generator{})
	scheduler := sched.New(builder, caps, logger.With("component", "sched"),
		sched.WithInferenceSlots(cfg.InferencePool),
		sched.WithCapabilityTimeout(cfg.CapabilityTimeout),
	)

	var reasoner pipeline.Reasoner
	if cfg.ReasonerEndpoint != "" {
		reasoner = pipeline.NewReasonerClient(cfg.ReasonerEndpoint, cfg.ReasonerTimeout, nil)
	}

	return forensic.New(builder, scheduler, reasoner, policy,
		logger.With("component", "forensic"),
		forensic.WithSessionDeadline(cfg.SessionDeadline),
		forensic.WithMaxTasks(cfg.MaxTasks),
	), nil
}
