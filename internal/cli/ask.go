// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		sessionID string
		thinking  bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Long: `Send one message and print the answer when it completes.

The question is read from the arguments, or from stdin when no arguments
are given and stdin is not a terminal.`,
		Example: `  chatrelay ask "What is the capital of France?"
  chatrelay ask --session 4f0c... "And of Spain?"
  echo "Summarise this" | chatrelay ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			if strings.TrimSpace(question) == "" && !a.isTerminalReader(a.in) {
				data, err := io.ReadAll(a.in)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				question = string(data)
			}
			if strings.TrimSpace(question) == "" {
				return errors.New("no question given")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			repo, err := a.openRepository()
			if err != nil {
				return err
			}
			defer repo.Store().Close()

			r := a.newRenderer(a.out)
			if thinking {
				r.SetShowThinking(true)
			}
			s := newChatSession(a, repo, r)
			defer s.ctrl.Close()

			if sessionID != "" {
				if err := s.ctrl.Open(ctx, sessionID); err != nil {
					return fmt.Errorf("failed to open session %s: %w", sessionID, err)
				}
			}

			if _, err := s.send(ctx, question); err != nil {
				return fmt.Errorf("no answer: %w", err)
			}
			a.log.Debug().Str("session_id", s.ctrl.Conversation().ID()).Msg("answer stored")
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Ask within a stored conversation")
	cmd.Flags().BoolVarP(&thinking, "thinking", "t", false, "Print the agents' reasoning under the answer")
	return cmd
}
