// Command funnel runs chat funnels and inspects their conversations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"

	cfg Config
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "funnel",
		Short:         "Durable chat funnel engine",
		Long:          "Funnel runs scripted chat conversations that survive restarts, and inspects their execution history.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			cfg, err := loadConfig(opts.ConfigFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", settingsPath(), "settings file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newExecutionsCommand(opts))
	cmd.AddCommand(newLogsCommand(opts))
	cmd.AddCommand(newSecretCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newDiagramCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
