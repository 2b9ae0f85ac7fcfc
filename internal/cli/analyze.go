package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc/internal/artifact"
	"github.com/veridoc/veridoc/internal/config"
	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/forensic"
	"github.com/veridoc/veridoc/internal/log"
	"github.com/veridoc/veridoc/internal/sched"
)

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Analyze a local document or image",
		Long: `Run the full analysis locally on one file and print the verdict.

Uses the same configuration sources as serve; external capabilities that
are not configured degrade into findings instead of failing the run.

Exit code is 0 for an Authentic verdict and 1 otherwise.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runAnalyze(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "reading input file", err)
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := log.NewWithWriter(cmd.ErrOrStderr(), log.Config{Level: level})

	orch, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "initializing orchestrator", err)
	}

	art := artifact.New(filepath.Base(path), data)
	formatter.VerboseLog("classified %s as %s (%d bytes)", art.Name, art.Kind, art.Size())

	sessionID := uuid.Must(uuid.NewV7()).String()
	onProgress := func(ev sched.Event) {
		formatter.VerboseLog("task %s [%s] -> %s", ev.TaskID, ev.Capability, ev.Status)
	}

	out, err := orch.Analyze(context.Background(), sessionID, art, onProgress)
	if err != nil {
		return WrapExitError(ExitCommandError, "analysis failed", err)
	}

	if opts.Format == "json" {
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		printOutcome(formatter, out)
	}

	if out.Verdict.Label != finding.LabelAuthentic {
		return NewExitError(ExitFailure, fmt.Sprintf("verdict: %s (score %d)", out.Verdict.Label, out.Verdict.Score))
	}
	return nil
}

func printOutcome(f *OutputFormatter, out *forensic.Outcome) {
	fmt.Fprintf(f.Writer, "Verdict: %s (score %d/100)\n", out.Verdict.Label, out.Verdict.Score)
	fmt.Fprintf(f.Writer, "Tasks: %d  Findings: %d  Elapsed: %s\n", out.Tasks, len(out.Report.Findings), out.Elapsed.Round(time.Millisecond))
	if len(out.Verdict.Evidence) > 0 {
		fmt.Fprintln(f.Writer, "Evidence:")
		for _, ev := range out.Verdict.Evidence {
			line := fmt.Sprintf("  - %s (weight %.0f, measure %.2f)", ev.Kind, ev.Weight, ev.Measure)
			if ev.Detail != "" {
				line += ": " + ev.Detail
			}
			fmt.Fprintln(f.Writer, line)
		}
	}
	if out.Verdict.Narrative != "" {
		fmt.Fprintf(f.Writer, "Narrative: %s\n", out.Verdict.Narrative)
	}
}
