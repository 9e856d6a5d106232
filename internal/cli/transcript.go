// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/agentevents"
	"github.com/jeranaias/chatrelay/internal/docstore"
)

func newTranscriptCmd(a *app) *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "transcript <session> [agent]",
		Short: "Show per-agent timing, or one agent's raw output",
		Long: `Without an agent, list every agent that took part in the conversation
with its state, duration and chunk count. With an agent, print the raw
text it produced, reasoning markers included.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return a.withRepository(func(repo *docstore.Repository) error {
				return outputJSON(a.out, jsonMode, "transcript", func() (any, error) {
					rec, err := requireSession(ctx, repo, args[0])
					if err != nil {
						return nil, err
					}
					agents := agentevents.New(agentevents.Options{Persister: repo, Logger: a.log})
					if err := agents.LoadSession(ctx, rec.ID); err != nil {
						return nil, err
					}

					if len(args) == 2 {
						tr := agents.Transcript(rec.ID, args[1])
						if !jsonMode {
							a.newRenderer(a.out).Transcript(args[1], tr)
							return nil, nil
						}
						return map[string]any{"agent": args[1], "text": tr.Text, "chunks": len(tr.Events)}, nil
					}

					rows := agentRows(agents, rec.ID, nil)
					if !jsonMode {
						a.newRenderer(a.out).Agents(rows)
						return nil, nil
					}
					out := make([]agentJSON, len(rows))
					for i, row := range rows {
						out[i] = agentJSON{
							Name:       row.Name,
							State:      string(row.State),
							StartedAt:  row.Status.StartedAt,
							ExecutedAt: row.Status.ExecutedAt,
							FinishedAt: row.Status.FinishedAt,
							DurationMs: row.Status.DurationMs,
							Chunks:     row.Status.Chunks,
						}
					}
					return out, nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output as JSON")
	return cmd
}
