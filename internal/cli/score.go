package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/scoring"
)

// NewScoreCommand creates the score command.
func NewScoreCommand(rootOpts *RootOptions) *cobra.Command {
	var policyPath string

	cmd := &cobra.Command{
		Use:   "score <report.json>",
		Short: "Recompute a verdict from a saved findings report",
		Long: `Recompute the verdict from a findings report JSON file.

Scoring is deterministic: the same report and policy always produce the
same verdict, so this command is useful for auditing a session after the
fact or previewing the effect of a policy change.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(rootOpts, args[0], policyPath, cmd)
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "scoring policy YAML (default: built-in policy)")
	return cmd
}

func runScore(opts *RootOptions, reportPath, policyPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "reading report", err)
	}
	var report finding.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return WrapExitError(ExitCommandError, "parsing report", err)
	}

	policy := scoring.DefaultPolicy()
	if policyPath != "" {
		policy, err = scoring.Load(policyPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "loading policy", err)
		}
	}

	verdict := scoring.Score(&report, policy)

	if opts.Format == "json" {
		return formatter.Success(verdict)
	}
	fmt.Fprintf(formatter.Writer, "Verdict: %s (score %d/100)\n", verdict.Label, verdict.Score)
	for _, ev := range verdict.Evidence {
		fmt.Fprintf(formatter.Writer, "  - %s (weight %.0f, measure %.2f)\n", ev.Kind, ev.Weight, ev.Measure)
	}
	return nil
}
