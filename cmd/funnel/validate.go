package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/funnel/internal/flowdef"
	"github.com/rendis/funnel/internal/routing"
	"github.com/rendis/funnel/pkg/schema"
)

// validateReport is the JSON output of validate.
type validateReport struct {
	File     string                   `json:"file"`
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var routes bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a funnel definition without running it",
		Long: `Check a funnel definition (YAML or JSON): structure, stage references,
reachability, guard and set expressions, and message templates.

With --routes the file is checked as a routing rules file instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if routes {
				if _, err := routing.Load(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
				return nil
			}
			return runValidate(cmd, opts.Format, args[0])
		},
	}
	cmd.Flags().BoolVar(&routes, "routes", false, "validate a routing rules file")
	return cmd
}

func runValidate(cmd *cobra.Command, format, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	def, err := flowdef.Decode(filepath.Base(path), data)
	if err != nil {
		return err
	}
	compiler, err := flowdef.NewCompiler(nil)
	if err != nil {
		return err
	}
	result := compiler.Check(def)

	out := cmd.OutOrStdout()
	if format == "json" {
		if err := writeJSON(out, validateReport{
			File:     path,
			Valid:    result.Valid(),
			Errors:   result.Errors,
			Warnings: result.Warnings,
		}); err != nil {
			return err
		}
	} else {
		for _, w := range result.Warnings {
			fmt.Fprintf(out, "warning %s\n", w)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(out, "error   %s [%s]\n", e, e.Code)
		}
		if result.Valid() {
			fmt.Fprintf(out, "%s: ok\n", path)
		}
	}
	if !result.Valid() {
		return result.ToError()
	}
	return nil
}
