package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/funnel/internal/store"
)

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, cfg Config, fn func(st *store.LibSQLStore) error) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <conversation-id>",
		Short: "Show a conversation with its stage path and tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.cfg, func(st *store.LibSQLStore) error {
				ctx := cmd.Context()
				conv, err := st.GetConversation(ctx, args[0])
				if err != nil {
					return err
				}
				path, err := st.ListPath(ctx, conv.ID)
				if err != nil {
					return err
				}
				tags, err := st.ListTags(ctx, conv.ID)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), opts.Format, conv, path, tags)
			})
		},
	}
}

func printStatus(w io.Writer, format string, conv *store.Conversation, path []*store.PathRecord, tags []*store.Tag) error {
	stages := make([]string, 0, len(path))
	for _, p := range path {
		stages = append(stages, p.StageName)
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Name)
	}
	if format == "json" {
		return writeJSON(w, map[string]any{"conversation": conv, "path": stages, "tags": names})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id:\t%s\n", conv.ID)
	fmt.Fprintf(tw, "contact:\t%s\n", conv.Contact)
	fmt.Fprintf(tw, "script:\t%s\n", conv.Script)
	fmt.Fprintf(tw, "status:\t%s\n", conv.Status)
	fmt.Fprintf(tw, "stage:\t%s (run %d)\n", conv.CurrentStage, conv.StageRun)
	if conv.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", conv.Error)
	}
	fmt.Fprintf(tw, "path:\t%s\n", strings.Join(stages, " > "))
	fmt.Fprintf(tw, "tags:\t%s\n", strings.Join(names, ", "))
	fmt.Fprintf(tw, "updated:\t%s\n", conv.UpdatedAt.Format(time.RFC3339))
	return tw.Flush()
}

func newExecutionsCommand(opts *rootOptions) *cobra.Command {
	var failedOnly bool
	var limit int

	cmd := &cobra.Command{
		Use:   "executions <conversation-id>",
		Short: "List the recorded step calls of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.cfg, func(st *store.LibSQLStore) error {
				entries, err := st.ListExecutions(cmd.Context(), store.ExecutionFilter{
					ScriptID:   args[0],
					FailedOnly: failedOnly,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return printExecutions(cmd.OutOrStdout(), opts.Format, entries)
			})
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only failed calls")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

func printExecutions(w io.Writer, format string, entries []*store.ExecutionEntry) error {
	if format == "json" {
		return writeJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tRUN\tSEQ\tFUNC\tDURATION\tERROR")
	for _, e := range entries {
		seq := fmt.Sprint(e.Sequence)
		if e.Internal {
			seq = "i" + seq
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%dms\t%s\n", e.StageName, e.Run, seq, e.FuncName, e.DurationMs, e.Error)
	}
	return tw.Flush()
}

func newLogsCommand(opts *rootOptions) *cobra.Command {
	var level string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs <conversation-id>",
		Short: "List the script logs of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.cfg, func(st *store.LibSQLStore) error {
				logs, err := st.ListScriptLogs(cmd.Context(), store.ScriptLogFilter{
					ScriptID: args[0],
					Level:    store.LogLevel(strings.ToLower(level)),
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				return printLogs(cmd.OutOrStdout(), opts.Format, logs)
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "only this level (debug|info|warn|error)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum lines")
	return cmd
}

func printLogs(w io.Writer, format string, logs []*store.ScriptLog) error {
	if format == "json" {
		return writeJSON(w, logs)
	}
	for _, l := range logs {
		if _, err := fmt.Fprintf(w, "%s %-5s %s\n", l.CreatedAt.Format(time.RFC3339), strings.ToUpper(string(l.Level)), l.Text); err != nil {
			return err
		}
	}
	return nil
}
