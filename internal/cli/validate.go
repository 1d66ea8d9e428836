package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chatsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Path   string   `json:"path"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`

	// Effective settings, reported for a valid file.
	Backend    string `json:"backend,omitempty"`
	ClientKind string `json:"client_kind,omitempty"`
	Tuning     string `json:"tuning,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a config file",
		Long: `Validate a chatsync config file without starting anything.

The file is checked against the embedded CUE schema, decoded strictly
(unknown keys are errors) and cross-checked. CHATSYNC_* environment
overrides are applied, so the result is what run would use.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	if _, err := os.Stat(path); err != nil {
		msg := fmt.Sprintf("config file not found: %s", path)
		_ = f.Error(ErrCodeNotFound, msg, nil)
		return WrapExitError(ExitCommandError, msg, err)
	}

	result := ValidationResult{Path: path}
	cfg, err := config.Load(path)
	if err != nil {
		result.Errors = splitErrors(err)
		failed := &CLIError{Code: ErrCodeConfig, Message: fmt.Sprintf("%d problem(s) found", len(result.Errors))}
		if err := f.Result(result, failed, func(w io.Writer) { printValidation(w, result) }); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "invalid config", err)
	}

	t := cfg.Tuning()
	result.Valid = true
	result.Backend = cfg.Database.Backend
	result.ClientKind = cfg.Client.Kind
	result.Tuning = fmt.Sprintf("coalesce=%s backoff=%s..%s difference_limit=%d window_limit=%d",
		t.CoalesceDelay, t.Backoff.Base, t.Backoff.Max, t.DifferenceLimit, t.WindowLimit)
	f.VerboseLog("validated %s", path)
	return f.Result(result, nil, func(w io.Writer) { printValidation(w, result) })
}

// splitErrors flattens joined errors into one message each.
func splitErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitErrors(e)...)
		}
		return out
	}
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func printValidation(w io.Writer, r ValidationResult) {
	if !r.Valid {
		fmt.Fprintf(w, "✗ %s\n", r.Path)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}
	fmt.Fprintf(w, "✓ %s is valid\n", r.Path)
	fmt.Fprintf(w, "  backend: %s\n", r.Backend)
	fmt.Fprintf(w, "  client:  %s\n", r.ClientKind)
	fmt.Fprintf(w, "  tuning:  %s\n", r.Tuning)
}
