// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds the styles used to render one output stream.
type Theme struct {
	IsDark       bool
	ColorProfile termenv.Profile

	renderer *lipgloss.Renderer

	// ==========================================================================
	// CONVERSATION
	// ==========================================================================

	Prompt         lipgloss.Style
	UserLabel      lipgloss.Style
	UserText       lipgloss.Style
	AssistantLabel lipgloss.Style
	AssistantText  lipgloss.Style

	// ==========================================================================
	// THINKING DISCLOSURE
	// ==========================================================================

	ThinkingHeader lipgloss.Style
	ThinkingLabel  lipgloss.Style
	ThinkingText   lipgloss.Style

	// ==========================================================================
	// STATUS LINE AND AGENTS
	// ==========================================================================

	StatusLine     lipgloss.Style
	AgentName      lipgloss.Style
	AgentThinking  lipgloss.Style
	AgentExecuting lipgloss.Style
	AgentDone      lipgloss.Style

	// ==========================================================================
	// LISTINGS AND NOTICES
	// ==========================================================================

	SessionID    lipgloss.Style
	SessionTitle lipgloss.Style
	SessionMeta  lipgloss.Style
	Separator    lipgloss.Style

	SuccessStyle lipgloss.Style
	ErrorStyle   lipgloss.Style
	WarningStyle lipgloss.Style
	InfoStyle    lipgloss.Style
}

// NewTheme creates a theme for w, detecting its colour profile and
// background. Writers that are not terminals get the Ascii profile.
func NewTheme(w io.Writer) *Theme {
	r := lipgloss.NewRenderer(w)
	t := &Theme{
		IsDark:       r.HasDarkBackground(),
		ColorProfile: r.ColorProfile(),
		renderer:     r,
	}
	t.initStyles()
	return t
}

// PlainTheme creates a theme that never emits escape sequences.
func PlainTheme(w io.Writer) *Theme {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.Ascii)
	t := &Theme{
		IsDark:       true,
		ColorProfile: termenv.Ascii,
		renderer:     r,
	}
	t.initStyles()
	return t
}

// Plain reports whether the theme renders without escape sequences.
func (t *Theme) Plain() bool {
	return t.ColorProfile == termenv.Ascii
}

func (t *Theme) initStyles() {
	s := t.renderer.NewStyle

	t.Prompt = s().Foreground(Cyan).Bold(true)
	t.UserLabel = s().Foreground(Cyan).Bold(true)
	t.UserText = s().Foreground(TextPrimary)
	t.AssistantLabel = s().Foreground(Purple).Bold(true)
	t.AssistantText = s().Foreground(TextPrimary)

	t.ThinkingHeader = s().Foreground(TextSecondary).Italic(true)
	t.ThinkingLabel = s().Foreground(TextSecondary).Bold(true)
	t.ThinkingText = s().Foreground(TextMuted)

	t.StatusLine = s().Foreground(TextSecondary)
	t.AgentName = s().Foreground(Purple)
	t.AgentThinking = s().Foreground(Cyan)
	t.AgentExecuting = s().Foreground(Amber)
	t.AgentDone = s().Foreground(Emerald)

	t.SessionID = s().Foreground(TextMuted)
	t.SessionTitle = s().Foreground(TextPrimary).Bold(true)
	t.SessionMeta = s().Foreground(TextSecondary)
	t.Separator = s().Foreground(Overlay)

	t.SuccessStyle = s().Foreground(Emerald).Bold(true)
	t.ErrorStyle = s().Foreground(Rose).Bold(true)
	t.WarningStyle = s().Foreground(Amber).Bold(true)
	t.InfoStyle = s().Foreground(Cyan)
}

// =============================================================================
// STATUS HELPERS
// =============================================================================

// RenderSuccess renders message with the success indicator.
func (t *Theme) RenderSuccess(message string) string {
	return t.SuccessStyle.Render(StatusIndicators.Success + " " + message)
}

// RenderError renders message with the error indicator.
func (t *Theme) RenderError(message string) string {
	return t.ErrorStyle.Render(StatusIndicators.Error + " " + message)
}

// RenderWarning renders message with the warning indicator.
func (t *Theme) RenderWarning(message string) string {
	return t.WarningStyle.Render(StatusIndicators.Warning + " " + message)
}

// RenderInfo renders message with the info indicator.
func (t *Theme) RenderInfo(message string) string {
	return t.InfoStyle.Render(StatusIndicators.Info + " " + message)
}

// RenderStatus picks RenderSuccess or RenderError.
func (t *Theme) RenderStatus(success bool, message string) string {
	if success {
		return t.RenderSuccess(message)
	}
	return t.RenderError(message)
}
