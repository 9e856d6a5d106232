// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/conversation"
	"github.com/jeranaias/chatrelay/internal/docstore"
	"github.com/jeranaias/chatrelay/internal/util"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, show, rename and delete stored conversations",
	}
	cmd.AddCommand(newSessionsListCmd(a))
	cmd.AddCommand(newSessionsShowCmd(a))
	cmd.AddCommand(newSessionsRenameCmd(a))
	cmd.AddCommand(newSessionsDeleteCmd(a))
	return cmd
}

// withRepository opens the store for the duration of fn.
func (a *app) withRepository(fn func(repo *docstore.Repository) error) error {
	repo, err := a.openRepository()
	if err != nil {
		return err
	}
	defer repo.Store().Close()
	return fn(repo)
}

// requireSession returns the summary of id or a not-found error.
func requireSession(ctx context.Context, repo *docstore.Repository, id string) (docstore.SessionRecord, error) {
	rec, err := repo.GetSession(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return rec, fmt.Errorf("session %s not found", id)
	}
	return rec, err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newSessionsListCmd(a *app) *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recently updated first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return a.withRepository(func(repo *docstore.Repository) error {
				return outputJSON(a.out, jsonMode, "sessions list", func() (any, error) {
					sessions, err := repo.ListSessions(ctx, a.cfg.User.ID)
					if err != nil {
						return nil, err
					}
					if !jsonMode {
						a.newRenderer(a.out).Sessions(sessions)
						return nil, nil
					}
					out := make([]sessionJSON, len(sessions))
					for i, s := range sessions {
						out[i] = toSessionJSON(s)
					}
					return out, nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output as JSON")
	return cmd
}

func newSessionsShowCmd(a *app) *cobra.Command {
	var jsonMode bool

	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return a.withRepository(func(repo *docstore.Repository) error {
				return outputJSON(a.out, jsonMode, "sessions show", func() (any, error) {
					rec, err := requireSession(ctx, repo, args[0])
					if err != nil {
						return nil, err
					}
					conv, err := conversation.Load(ctx, conversation.Options{
						SessionID: rec.ID,
						UserID:    a.cfg.User.ID,
						Persister: repo,
						Logger:    a.log,
					})
					if err != nil {
						return nil, err
					}
					snap := conv.Snapshot()
					if !jsonMode {
						a.newRenderer(a.out).Conversation(snap)
						return nil, nil
					}
					msgs := make([]messageJSON, len(snap.Messages))
					for i, m := range snap.Messages {
						msgs[i] = messageJSON{ID: m.ID, Role: string(m.Role), Content: m.Content, Timestamp: m.Timestamp}
						if m.Thinking != nil {
							msgs[i].Thinking = m.Thinking
						}
					}
					return map[string]any{"session": toSessionJSON(rec), "messages": msgs}, nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&jsonMode, "json", false, "Output as JSON")
	return cmd
}

func newSessionsRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			title := util.Normalize(strings.Join(args[1:], " "))
			if title == "" {
				return errors.New("title must not be empty")
			}
			return a.withRepository(func(repo *docstore.Repository) error {
				rec, err := requireSession(ctx, repo, args[0])
				if err != nil {
					return err
				}
				if err := repo.UpdateTitle(ctx, rec.ID, title, rec.UserID); err != nil {
					return err
				}
				a.newRenderer(a.out).Success(fmt.Sprintf("renamed %s to %q", rec.ID, title))
				return nil
			})
		},
	}
}

func newSessionsDeleteCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete <session>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation with its messages and agent data",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return a.withRepository(func(repo *docstore.Repository) error {
				rec, err := requireSession(ctx, repo, args[0])
				if err != nil {
					return err
				}
				if !yes {
					ok, err := a.confirm(fmt.Sprintf("Delete %q (%d messages)?", rec.Title, rec.MessageCount))
					if err != nil {
						return err
					}
					if !ok {
						a.newRenderer(a.out).Info("kept")
						return nil
					}
				}
				if err := repo.DeleteSession(ctx, rec.ID); err != nil {
					return err
				}
				a.newRenderer(a.out).Success("deleted " + rec.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// confirm asks a yes/no question on the command's input. Anything but y or
// yes declines.
func (a *app) confirm(question string) (bool, error) {
	fmt.Fprintf(a.out, "%s [y/N]: ", question)
	input, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && input == "" {
		return false, fmt.Errorf("failed to read confirmation (use --yes): %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(input))
	return answer == "y" || answer == "yes", nil
}

func toSessionJSON(s docstore.SessionRecord) sessionJSON {
	return sessionJSON{
		ID:           s.ID,
		Title:        s.Title,
		UserID:       s.UserID,
		LastMessage:  s.LastMessage,
		MessageCount: s.MessageCount,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
