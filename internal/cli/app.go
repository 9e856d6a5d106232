// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatrelay command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/jeranaias/chatrelay/internal/agentapi"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/docstore"
	"github.com/jeranaias/chatrelay/internal/logging"
	"github.com/jeranaias/chatrelay/internal/ui/render"
	"github.com/jeranaias/chatrelay/internal/ui/styles"
)

// skipConfig marks commands that run without loading the configuration.
const skipConfig = "skip-config"

// app is the state shared by every command of one invocation.
type app struct {
	// Flags.
	configPath string
	logLevel   string
	userID     string

	cfg *config.Config
	log zerolog.Logger

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// newPrompter replaces the liner prompt in tests.
	newPrompter func() (prompter, error)
	// isTerminal reports whether a writer is an interactive terminal.
	isTerminal func(w io.Writer) bool
}

func newApp() *app {
	return &app{isTerminal: isTerminal}
}

// load reads the configuration and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	a.in = cmd.InOrStdin()
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	path, err := a.configFile()
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.userID != "" {
		cfg.User.ID = a.userID
	}
	a.cfg = cfg
	a.log = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: a.errOut,
	})
	a.log.Debug().Str("config", path).Str("base_url", cfg.API.BaseURL).Msg("configuration loaded")
	return nil
}

// configFile returns the --config path or the default location.
func (a *app) configFile() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.Path()
}

// openRepository opens the configured document store.
func (a *app) openRepository() (*docstore.Repository, error) {
	store, err := docstore.Open(a.cfg.Store.Driver, a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return docstore.NewRepository(store), nil
}

// newClient builds the agent service client. max_frames_per_sec turns into
// a token-bucket pacer.
func (a *app) newClient() *agentapi.Client {
	var pacer agentapi.Pacer
	if fps := a.cfg.API.MaxFramesPerSec; fps > 0 {
		pacer = rate.NewLimiter(rate.Limit(fps), 1)
	}
	return agentapi.NewClient(agentapi.Options{
		BaseURL: a.cfg.API.BaseURL,
		APIKey:  a.cfg.API.APIKey,
		AppName: a.cfg.API.AppName,
		Timeout: a.cfg.API.Timeout.Duration,
		Pacer:   pacer,
		Logger:  a.log.With().Str("component", "agentapi").Logger(),
	})
}

// newRenderer renders to w, styled only when w is a terminal.
func (a *app) newRenderer(w io.Writer) *render.Renderer {
	var theme *styles.Theme
	if a.isTerminal(w) {
		theme = styles.NewTheme(w)
	} else {
		theme = styles.PlainTheme(w)
	}
	width := a.cfg.UI.Width
	if width == 0 {
		width = terminalWidth(w)
	}
	return render.New(render.Options{
		Out:          w,
		Theme:        theme,
		Markdown:     a.cfg.UI.Markdown,
		ShowThinking: a.cfg.UI.ShowThinking,
		Width:        width,
	})
}

// =============================================================================
// TERMINAL DETECTION
// =============================================================================

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (a *app) isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return render.DefaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return render.DefaultWidth
	}
	return width
}
