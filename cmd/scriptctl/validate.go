package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/concierge/internal/condition"
	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/directory"
)

func newValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <script.yaml|script.json>...",
		Short: "Check scripts for structural, reference, condition and cycle errors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eval := condition.New(log.Nop())
			failed := 0
			for _, path := range args {
				ok, err := validateFile(cmd.OutOrStdout(), path, eval, strict)
				if err != nil {
					return err
				}
				if !ok {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d script(s) invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

// validateFile prints the issues of one script and reports whether it may be
// published.
func validateFile(w io.Writer, path string, eval *condition.Evaluator, strict bool) (bool, error) {
	sc, err := directory.LoadScriptFile(path)
	if err != nil {
		var ve *dialog.ValidationError
		if errors.As(err, &ve) {
			printIssues(w, path, ve.Issues)
			return false, nil
		}
		return false, err
	}

	issues := dialog.Validate(sc, eval)
	printIssues(w, path, issues)

	bad := dialog.HasErrors(issues) || (strict && len(issues) > 0)
	if !bad {
		fmt.Fprintf(w, "ok %s: %q, %d steps\n", path, sc.ID, len(sc.Steps))
	}
	return !bad, nil
}

func printIssues(w io.Writer, path string, issues []dialog.Issue) {
	for _, i := range issues {
		fmt.Fprintf(w, "%s: %s\n", path, i)
	}
}

func newCyclesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycles <script>",
		Short: "List the step cycles reachable from the initial step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := directory.LoadScriptFile(args[0])
			if err != nil {
				return err
			}
			cycles := dialog.DetectCycles(sc)
			out := cmd.OutOrStdout()
			if len(cycles) == 0 {
				fmt.Fprintln(out, "no cycles")
				return nil
			}
			for _, c := range cycles {
				fmt.Fprintln(out, strings.Join(c, " -> "))
			}
			return fmt.Errorf("%d cycle(s) found", len(cycles))
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for script documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := dialog.ScriptJSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}

func newTenantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tenants <dir>",
		Short: "Load a tenant directory and summarize each tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := directory.Open(args[0], log.Nop())
			if err != nil {
				return err
			}
			eval := condition.New(log.Nop())
			out := cmd.OutOrStdout()
			var bad int
			for _, id := range dir.TenantIDs() {
				t, _ := dir.Tenant(id)
				scripts := dir.Scripts(id)
				fmt.Fprintf(out, "%s\t%s\tnuclei=%d agents=%d rules=%d scripts=%d\n",
					t.ID, t.Name, len(t.Nuclei), len(t.Agents), len(t.Rules), len(scripts))
				for _, sc := range scripts {
					if issues := dialog.Validate(sc, eval); dialog.HasErrors(issues) {
						bad++
						printIssues(out, id+"/"+sc.ID, issues)
					}
				}
			}
			if bad > 0 {
				return fmt.Errorf("%d invalid script(s)", bad)
			}
			return nil
		},
	}
}
