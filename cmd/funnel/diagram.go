package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-graphviz"
	"github.com/spf13/cobra"

	"github.com/rendis/funnel/internal/diagram"
	"github.com/rendis/funnel/internal/flowdef"
	"github.com/rendis/funnel/internal/store"
)

func newDiagramCommand(opts *rootOptions) *cobra.Command {
	var render, conversationID, output string

	cmd := &cobra.Command{
		Use:   "diagram <file>",
		Short: "Draw the stage graph of a funnel definition",
		Long: `Draw the stage graph of a funnel definition as ASCII, Mermaid, PNG or SVG.

With --conversation the stages that conversation visited are highlighted
and its current stage is marked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := flowdef.Decode(filepath.Base(args[0]), data)
			if err != nil {
				return err
			}

			var progress *diagram.Progress
			if conversationID != "" {
				err := withStore(cmd.Context(), opts.cfg, func(st *store.LibSQLStore) error {
					conv, err := st.GetConversation(cmd.Context(), conversationID)
					if err != nil {
						return err
					}
					path, err := st.ListPath(cmd.Context(), conversationID)
					if err != nil {
						return err
					}
					progress = &diagram.Progress{Path: path, Current: conv.CurrentStage, Status: conv.Status}
					return nil
				})
				if err != nil {
					return err
				}
			}

			model, err := diagram.Build(def, progress)
			if err != nil {
				return err
			}

			var out []byte
			switch render {
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "png":
				out, err = diagram.RenderImage(cmd.Context(), model, graphviz.PNG)
			case "svg":
				out, err = diagram.RenderImage(cmd.Context(), model, graphviz.SVG)
			default:
				return fmt.Errorf("invalid render %q: must be one of ascii, mermaid, png, svg", render)
			}
			if err != nil {
				return err
			}

			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&render, "render", "ascii", "ascii|mermaid|png|svg")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "overlay the path of this conversation")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}
