// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package render prints conversations, agent data and status lines to a
// console. Styled output is used on terminals; anything else gets plain
// text that is safe to pipe.
package render

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/chatrelay/internal/agentapi"
	"github.com/jeranaias/chatrelay/internal/agentevents"
	"github.com/jeranaias/chatrelay/internal/chat"
	"github.com/jeranaias/chatrelay/internal/conversation"
	"github.com/jeranaias/chatrelay/internal/docstore"
	"github.com/jeranaias/chatrelay/internal/transcript"
	"github.com/jeranaias/chatrelay/internal/ui/styles"
	"github.com/jeranaias/chatrelay/internal/util"
)

const (
	// DefaultWidth is used when the terminal width is unknown.
	DefaultWidth = 80
	// MinWidth is the narrowest layout rendered.
	MinWidth = 40
)

// Options configure a Renderer.
type Options struct {
	Out io.Writer
	// Theme defaults to styles.NewTheme(Out).
	Theme *styles.Theme
	// Markdown renders assistant content through glamour on styled output.
	Markdown bool
	// ShowThinking expands the REASON/ACT/OBSERVATION block under answers.
	ShowThinking bool
	Width        int
}

// Renderer writes formatted output. It is safe for concurrent use.
type Renderer struct {
	out   io.Writer
	theme *styles.Theme
	md    *glamour.TermRenderer
	width int

	mu           sync.Mutex
	showThinking bool
	statusShown  bool
}

// New creates a Renderer. A failing markdown renderer falls back to plain
// content.
func New(opts Options) *Renderer {
	theme := opts.Theme
	if theme == nil {
		theme = styles.NewTheme(opts.Out)
	}
	width := opts.Width
	if width <= 0 {
		width = DefaultWidth
	}
	if width < MinWidth {
		width = MinWidth
	}

	r := &Renderer{
		out:          opts.Out,
		theme:        theme,
		width:        width,
		showThinking: opts.ShowThinking,
	}
	if opts.Markdown && !theme.Plain() {
		style := "light"
		if theme.IsDark {
			style = "dark"
		}
		md, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(width-4),
		)
		if err == nil {
			r.md = md
		}
	}
	return r
}

// Theme returns the styles in use.
func (r *Renderer) Theme() *styles.Theme { return r.theme }

// Width returns the layout width in columns.
func (r *Renderer) Width() int { return r.width }

// ShowThinking reports whether thinking blocks are expanded.
func (r *Renderer) ShowThinking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.showThinking
}

// SetShowThinking toggles thinking blocks.
func (r *Renderer) SetShowThinking(show bool) {
	r.mu.Lock()
	r.showThinking = show
	r.mu.Unlock()
}

// =============================================================================
// MESSAGES
// =============================================================================

// FormatMessage renders one conversation message with its role label and,
// for assistant answers with thinking, either the expanded block or a
// one-line hint.
func (r *Renderer) FormatMessage(m conversation.Message) string {
	t := r.theme
	var b strings.Builder
	switch m.Role {
	case conversation.RoleUser:
		b.WriteString(t.UserLabel.Render("you"))
		b.WriteString("\n")
		b.WriteString(renderLines(t.UserText, m.Content))
		b.WriteString("\n")
	default:
		b.WriteString(t.AssistantLabel.Render("assistant"))
		b.WriteString("\n")
		b.WriteString(r.content(m.Content))
		if m.Thinking != nil {
			if r.ShowThinking() {
				b.WriteString(r.FormatThinking(m.Thinking))
			} else {
				b.WriteString(t.ThinkingHeader.Render("(reasoning hidden, /thinking to show)"))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func (r *Renderer) content(text string) string {
	if r.md != nil {
		if out, err := r.md.Render(text); err == nil {
			return out
		}
	}
	out := renderLines(r.theme.AssistantText, strings.TrimSuffix(text, "\n"))
	if out == "" {
		return ""
	}
	return out + "\n"
}

// FormatThinking renders the non-empty parts of a thinking block.
func (r *Renderer) FormatThinking(block *transcript.ThinkingBlock) string {
	if block == nil {
		return ""
	}
	t := r.theme
	var b strings.Builder
	b.WriteString(t.ThinkingHeader.Render("thinking"))
	b.WriteString("\n")
	for _, part := range []struct{ label, text string }{
		{"reason", block.Reason},
		{"act", block.Act},
		{"observation", block.Observation},
	} {
		if part.text == "" {
			continue
		}
		b.WriteString("  ")
		b.WriteString(t.ThinkingLabel.Render(part.label + ":"))
		b.WriteString(" ")
		b.WriteString(indent(renderLines(t.ThinkingText, part.text), "    "))
		b.WriteString("\n")
	}
	return b.String()
}

// Message writes FormatMessage(m), clearing any status line first.
func (r *Renderer) Message(m conversation.Message) {
	r.write(r.FormatMessage(m))
}

// Conversation writes every message of snap.
func (r *Renderer) Conversation(snap conversation.Snapshot) {
	var b strings.Builder
	b.WriteString(r.theme.SessionTitle.Render(snap.Title))
	b.WriteString(" ")
	b.WriteString(r.theme.SessionID.Render(snap.ID))
	b.WriteString("\n")
	for _, m := range snap.Messages {
		b.WriteString("\n")
		b.WriteString(r.FormatMessage(m))
	}
	r.write(b.String())
}

// =============================================================================
// STATUS LINE
// =============================================================================

// FormatStatus renders the one-line activity indicator, cut to the layout
// width. preview is the visible answer so far.
func (r *Renderer) FormatStatus(a chat.Activity, preview string) string {
	if !a.Thinking {
		return ""
	}
	t := r.theme
	line := StatusLine(a, preview)
	line = util.TruncateWidth(line, r.width-1)
	return t.StatusLine.Render(line)
}

// StatusLine is the unstyled text of the activity indicator.
func StatusLine(a chat.Activity, preview string) string {
	var b strings.Builder
	b.WriteString(styles.StatusIndicators.Active)
	b.WriteString(" ")
	if a.Agent != "" {
		b.WriteString(a.Agent)
		b.WriteString(" ")
		b.WriteString(string(a.State))
	} else {
		b.WriteString("thinking")
	}
	if p := strings.Join(strings.Fields(preview), " "); p != "" {
		b.WriteString(" | ")
		b.WriteString(p)
	}
	return b.String()
}

// Status redraws the activity indicator in place. Plain output gets no
// status line.
func (r *Renderer) Status(a chat.Activity, preview string) {
	if r.theme.Plain() {
		return
	}
	line := r.FormatStatus(a, preview)
	r.mu.Lock()
	defer r.mu.Unlock()
	if line == "" {
		r.clearLocked()
		return
	}
	fmt.Fprint(r.out, "\r\x1b[K"+line)
	r.statusShown = true
}

// ClearStatus removes the activity indicator if one is shown.
func (r *Renderer) ClearStatus() {
	r.mu.Lock()
	r.clearLocked()
	r.mu.Unlock()
}

func (r *Renderer) clearLocked() {
	if r.statusShown {
		fmt.Fprint(r.out, "\r\x1b[K")
		r.statusShown = false
	}
}

// =============================================================================
// NOTICES
// =============================================================================

// Notice writes a warning line such as the delivery failure notice.
func (r *Renderer) Notice(msg string) {
	r.write(r.theme.RenderWarning(msg) + "\n")
}

// Info writes an informational line.
func (r *Renderer) Info(msg string) {
	r.write(r.theme.RenderInfo(msg) + "\n")
}

// Success writes a confirmation line.
func (r *Renderer) Success(msg string) {
	r.write(r.theme.RenderSuccess(msg) + "\n")
}

// Error writes err as an error line.
func (r *Renderer) Error(err error) {
	r.write(r.theme.RenderError(err.Error()) + "\n")
}

// =============================================================================
// SESSIONS
// =============================================================================

// FormatSessions renders a session listing, one entry per line.
func (r *Renderer) FormatSessions(sessions []docstore.SessionRecord) string {
	t := r.theme
	if len(sessions) == 0 {
		return t.SessionMeta.Render("no conversations yet") + "\n"
	}
	var b strings.Builder
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = docstore.DefaultTitle
		}
		meta := fmt.Sprintf("%d messages, updated %s", s.MessageCount, formatTime(s.UpdatedAt))
		b.WriteString(t.SessionID.Render(s.ID))
		b.WriteString("  ")
		b.WriteString(t.SessionTitle.Render(util.TruncateWidth(title, r.width/2)))
		b.WriteString("  ")
		b.WriteString(t.SessionMeta.Render(meta))
		b.WriteString("\n")
		if s.LastMessage != "" {
			b.WriteString("    ")
			b.WriteString(t.SessionMeta.Render(util.TruncateWidth(s.LastMessage, r.width-4)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Sessions writes FormatSessions(sessions).
func (r *Renderer) Sessions(sessions []docstore.SessionRecord) {
	r.write(r.FormatSessions(sessions))
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return ts.Local().Format("2006-01-02 15:04")
}

// =============================================================================
// AGENTS
// =============================================================================

// AgentRow is one agent in an agent summary.
type AgentRow struct {
	Name   string
	State  agentapi.AgentState
	Status agentevents.StatusView
}

// FormatAgents renders one line per agent with its state, duration and
// chunk count, sorted by name.
func (r *Renderer) FormatAgents(rows []AgentRow) string {
	t := r.theme
	if len(rows) == 0 {
		return t.SessionMeta.Render("no agent activity") + "\n"
	}
	rows = append([]AgentRow(nil), rows...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	var b strings.Builder
	for _, row := range rows {
		b.WriteString(t.AgentName.Render(row.Name))
		b.WriteString("  ")
		b.WriteString(r.stateStyle(row.State))
		b.WriteString("  ")
		b.WriteString(t.SessionMeta.Render(formatDuration(row.Status.DurationMs)))
		b.WriteString("  ")
		b.WriteString(t.SessionMeta.Render(fmt.Sprintf("%d chunks", row.Status.Chunks)))
		b.WriteString("\n")
	}
	return b.String()
}

// Agents writes FormatAgents(rows).
func (r *Renderer) Agents(rows []AgentRow) {
	r.write(r.FormatAgents(rows))
}

func (r *Renderer) stateStyle(state agentapi.AgentState) string {
	t := r.theme
	switch state {
	case agentapi.AgentThinking:
		return t.AgentThinking.Render(string(state))
	case agentapi.AgentExecuting:
		return t.AgentExecuting.Render(string(state))
	case agentapi.AgentDone:
		return t.AgentDone.Render(string(state))
	}
	return t.SessionMeta.Render("-")
}

func formatDuration(ms *float64) string {
	if ms == nil {
		return "-"
	}
	d := time.Duration(math.Round(*ms)) * time.Millisecond
	if d >= time.Second {
		d = d.Round(10 * time.Millisecond)
	}
	return d.String()
}

// FormatTranscript renders an agent's raw output under a header.
func (r *Renderer) FormatTranscript(agent string, tr agentevents.Transcript) string {
	t := r.theme
	var b strings.Builder
	b.WriteString(t.AgentName.Render(agent))
	b.WriteString(" ")
	b.WriteString(t.SessionMeta.Render(fmt.Sprintf("(%d chunks)", len(tr.Events))))
	b.WriteString("\n")
	b.WriteString(t.Separator.Render(strings.Repeat("-", r.width/2)))
	b.WriteString("\n")
	if tr.Text == "" {
		b.WriteString(t.SessionMeta.Render("no output recorded"))
	} else {
		b.WriteString(tr.Text)
	}
	b.WriteString("\n")
	return b.String()
}

// Transcript writes FormatTranscript.
func (r *Renderer) Transcript(agent string, tr agentevents.Transcript) {
	r.write(r.FormatTranscript(agent, tr))
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *Renderer) write(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	io.WriteString(r.out, s)
}

// renderLines styles each line on its own so lines are not padded to a
// common width.
func renderLines(style lipgloss.Style, s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}
