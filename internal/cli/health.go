// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newHealthCmd(a *app) *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the agent service is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			client := a.newClient()
			return outputJSON(a.out, jsonMode, "health", func() (any, error) {
				h, err := client.Health(ctx)
				if err != nil {
					return nil, fmt.Errorf("%s is not reachable: %w", client.BaseURL(), err)
				}
				data := map[string]any{"url": client.BaseURL(), "status": h.Status, "agent": h.Agent}

				info, err := client.AgentInfo(ctx)
				if err != nil {
					a.log.Debug().Err(err).Msg("agent info unavailable")
				} else {
					data["agentInfo"] = info
				}

				if jsonMode {
					return data, nil
				}
				r := a.newRenderer(a.out)
				msg := fmt.Sprintf("%s status %s", client.BaseURL(), h.Status)
				if h.Agent != "" {
					msg += ", agent " + h.Agent
				}
				r.Success(msg)
				if info != nil {
					line := info.Name
					if info.Description != "" {
						line += ": " + info.Description
					}
					if len(info.Tools) > 0 {
						line += " (tools: " + strings.Join(info.Tools, ", ") + ")"
					}
					r.Info(line)
				}
				return nil, nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output as JSON")
	return cmd
}
