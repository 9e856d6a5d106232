// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/agentapi"
	"github.com/jeranaias/chatrelay/internal/agentevents"
	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/conversation"
	"github.com/jeranaias/chatrelay/internal/docstore"
	"github.com/jeranaias/chatrelay/internal/ui/render"
	"github.com/jeranaias/chatrelay/internal/util"
)

func newChatCmd(a *app) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat with the agent service.

Interactive commands:
  /new                 Start a new conversation
  /open <session>      Continue a stored conversation
  /sessions            List stored conversations
  /title <text>        Rename the current conversation
  /thinking            Show or hide the agents' reasoning
  /agents              Show agent states and timing for this conversation
  /transcript <agent>  Show an agent's raw output
  /help                Show this list
  /quit                Exit (also Ctrl+D)

Ctrl+C while an answer streams cancels it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, a, sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue a stored conversation")
	return cmd
}

// =============================================================================
// INPUT
// =============================================================================

// prompter reads one line of input at a time.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// linePrompter adds persistent history to a liner prompt.
type linePrompter struct {
	*liner.State
	historyFile string
	log         zerolog.Logger
}

var slashCommands = []string{
	"/agents", "/help", "/new", "/open", "/quit", "/sessions", "/thinking", "/title", "/transcript",
}

func newLinePrompter(log zerolog.Logger) (prompter, error) {
	dir, err := config.Dir()
	if err != nil {
		dir = os.TempDir()
	}
	p := &linePrompter{
		State:       liner.NewLiner(),
		historyFile: filepath.Join(dir, "chat_history"),
		log:         log,
	}
	p.SetCtrlCAborts(true)
	p.SetCompleter(func(line string) []string {
		if !strings.HasPrefix(line, "/") {
			return nil
		}
		var out []string
		for _, c := range slashCommands {
			if strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(p.historyFile); err == nil {
		p.ReadHistory(f)
		f.Close()
	}
	return p, nil
}

// Close saves the history with owner-only permissions and restores the
// terminal.
func (p *linePrompter) Close() error {
	saveHistory(p.log, p.historyFile, p.WriteHistory)
	return p.State.Close()
}

// saveHistory writes the history produced by write to path. Failures are
// logged; losing history never fails the chat.
func saveHistory(log zerolog.Logger, path string, write func(io.Writer) (int, error)) {
	var buf bytes.Buffer
	if _, err := write(&buf); err != nil {
		log.Warn().Err(err).Msg("failed to encode chat history")
		return
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600, 0700); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to save chat history")
	}
}

func (a *app) prompter() (prompter, error) {
	if a.newPrompter != nil {
		return a.newPrompter()
	}
	return newLinePrompter(a.log)
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession is one run of the interactive chat.
type chatSession struct {
	a    *app
	repo *docstore.Repository
	ctrl *chat.Controller
	r    *render.Renderer

	activity chat.Activity
	preview  string
	noticed  bool
}

func newChatSession(a *app, repo *docstore.Repository, r *render.Renderer) *chatSession {
	s := &chatSession{a: a, repo: repo, r: r}
	s.ctrl = chat.New(chat.Options{
		Client:    a.newClient(),
		Persister: repo,
		Agents: agentevents.New(agentevents.Options{
			Persister: repo,
			Logger:    a.log,
		}),
		UserID:     a.cfg.User.ID,
		Locale:     a.cfg.User.Locale,
		Logger:     a.log,
		OnChange:   s.onChange,
		OnActivity: s.onActivity,
		OnNotice:   s.onNotice,
	})
	return s
}

func (s *chatSession) onChange(snap conversation.Snapshot) {
	s.preview = ""
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Streaming {
			s.preview = snap.Messages[i].Content
			break
		}
	}
	s.r.Status(s.activity, s.preview)
}

func (s *chatSession) onActivity(act chat.Activity) {
	s.activity = act
	s.r.Status(act, s.preview)
}

func (s *chatSession) onNotice(msg string) {
	s.noticed = true
	s.r.Notice(msg)
}

// send streams one answer. Ctrl+C or SIGTERM cancels only this answer.
func (s *chatSession) send(parent context.Context, text string) (conversation.Message, error) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.noticed = false
	s.preview = ""
	msg, err := s.ctrl.Send(ctx, text)
	s.r.ClearStatus()
	switch {
	case err == nil:
		s.r.Message(msg)
	case errors.Is(err, agentapi.ErrCancelled):
		s.r.Info("cancelled")
	case s.noticed:
		s.a.log.Debug().Err(err).Msg("send failed")
	default:
		s.r.Error(err)
	}
	return msg, err
}

func runChat(cmd *cobra.Command, a *app, sessionID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	repo, err := a.openRepository()
	if err != nil {
		return err
	}
	defer repo.Store().Close()

	s := newChatSession(a, repo, a.newRenderer(a.out))
	defer s.ctrl.Close()

	if sessionID != "" {
		if err := s.ctrl.Open(ctx, sessionID); err != nil {
			return fmt.Errorf("failed to open session %s: %w", sessionID, err)
		}
		s.r.Conversation(s.ctrl.Conversation().Snapshot())
	}

	if path, err := a.configFile(); err == nil {
		w, err := config.Watch(path, config.WatchOptions{
			Logger: a.log,
			OnChange: func(cfg *config.Config) {
				s.r.SetShowThinking(cfg.UI.ShowThinking)
			},
		})
		if err != nil {
			a.log.Debug().Err(err).Msg("config changes will not be picked up")
		} else {
			defer w.Close()
		}
	}

	p, err := a.prompter()
	if err != nil {
		return err
	}
	defer p.Close()

	s.r.Info(fmt.Sprintf("chatrelay %s, /help for commands", a.cfg.API.BaseURL))
	prompt := "you> "

	for {
		input, err := p.Prompt(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Fprintln(a.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		p.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := s.command(ctx, input)
			if err != nil {
				s.r.Error(err)
			}
			if quit {
				return nil
			}
			continue
		}

		s.send(ctx, input)
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command runs one slash command and reports whether the chat should end.
func (s *chatSession) command(ctx context.Context, input string) (bool, error) {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help", "/h":
		s.r.Info(strings.Join(slashCommands, " "))

	case "/new":
		if err := s.ctrl.Reset(); err != nil {
			return false, err
		}
		s.r.Success("new conversation " + s.ctrl.Conversation().ID())

	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <session>")
		}
		if err := s.ctrl.Open(ctx, arg); err != nil {
			return false, err
		}
		s.r.Conversation(s.ctrl.Conversation().Snapshot())

	case "/sessions":
		sessions, err := s.repo.ListSessions(ctx, s.a.cfg.User.ID)
		if err != nil {
			return false, err
		}
		s.r.Sessions(sessions)

	case "/title":
		if arg == "" {
			s.r.Info(s.ctrl.Conversation().Title())
			return false, nil
		}
		if err := s.ctrl.Conversation().Rename(ctx, arg); err != nil {
			return false, err
		}
		s.r.Success("renamed to " + s.ctrl.Conversation().Title())

	case "/thinking":
		show := !s.r.ShowThinking()
		s.r.SetShowThinking(show)
		if !show {
			s.r.Info("reasoning hidden")
			return false, nil
		}
		s.r.Info("reasoning shown")
		msgs := s.ctrl.Conversation().Snapshot().Messages
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == conversation.RoleAssistant && msgs[i].Thinking != nil {
				s.r.Message(msgs[i])
				break
			}
		}

	case "/agents":
		sessionID := s.ctrl.Conversation().ID()
		s.r.Agents(agentRows(s.ctrl.Agents(), sessionID, s.ctrl.AgentStates()))

	case "/transcript":
		if arg == "" {
			return false, errors.New("usage: /transcript <agent>")
		}
		s.r.Transcript(arg, s.ctrl.Transcript(arg))

	default:
		return false, fmt.Errorf("unknown command %s, /help lists commands", name)
	}
	return false, nil
}

// agentRows summarises every agent seen in a session. States reported
// during the last answer win; otherwise the state is derived from the
// recorded phase timestamps.
func agentRows(store *agentevents.Store, sessionID string, states map[string]agentapi.AgentState) []render.AgentRow {
	names := make(map[string]struct{})
	for _, n := range store.Agents(sessionID) {
		names[n] = struct{}{}
	}
	for n := range states {
		names[n] = struct{}{}
	}

	rows := make([]render.AgentRow, 0, len(names))
	for name := range names {
		view := store.Status(sessionID, name)
		state, ok := states[name]
		if !ok {
			state = derivedState(view.Status)
		}
		rows = append(rows, render.AgentRow{Name: name, State: state, Status: view})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

func derivedState(st agentevents.Status) agentapi.AgentState {
	switch {
	case st.FinishedAt != nil:
		return agentapi.AgentDone
	case st.ExecutedAt != nil:
		return agentapi.AgentExecuting
	case st.StartedAt != nil:
		return agentapi.AgentThinking
	}
	return ""
}
