package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/veridoc/veridoc/internal/finding"
	"github.com/veridoc/veridoc/internal/scoring"
)

// PolicyValidationResult holds policy validation results.
type PolicyValidationResult struct {
	Valid  bool                      `json:"valid"`
	Errors []scoring.ValidationError `json:"errors,omitempty"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate scoring policies",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	cmd.AddCommand(newPolicyShowCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy.yaml>",
		Short: "Validate a scoring policy file",
		Long: `Validate a scoring policy overlay against the schema and the kind
registry. Reports all violations, not just the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(rootOpts, args[0], cmd)
		},
	}
}

func runPolicyValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "reading policy", err)
	}

	_, err := scoring.Load(path)
	if err != nil {
		if formatErr := formatter.Error("invalid_policy", err.Error(), nil); formatErr != nil {
			return formatErr
		}
		return NewExitError(ExitFailure, "policy invalid")
	}
	return formatter.Success(PolicyValidationResult{Valid: true})
}

func newPolicyShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective built-in policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := &OutputFormatter{
				Format:  rootOpts.Format,
				Writer:  cmd.OutOrStdout(),
				Verbose: rootOpts.Verbose,
			}
			policy := scoring.DefaultPolicy()
			if rootOpts.Format == "json" {
				return formatter.Success(policy)
			}
			for _, kind := range finding.Kinds {
				rule := policy.Rules[kind]
				fmt.Fprintf(formatter.Writer, "%-28s weight %3d  threshold %.2f\n", kind, rule.Weight, rule.Threshold)
			}
			return nil
		},
	}
}
