// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/chatrelay/internal/ui/styles"
)

// NewRootCmd creates the chatrelay command tree.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(version, newApp())
}

func newRootCmd(version string, a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "Chat with a multi-agent service from the terminal",
		Long: `chatrelay sends messages to a multi-agent chat service, streams the answer
while hiding the agents' reasoning trace, and keeps conversations and
per-agent transcripts in a local store.

Running chatrelay without a command starts an interactive chat.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for c := cmd; c != nil; c = c.Parent() {
				if c.Annotations[skipConfig] == "true" {
					a.in = cmd.InOrStdin()
					a.out = cmd.OutOrStdout()
					a.errOut = cmd.ErrOrStderr()
					return nil
				}
			}
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, a, "")
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default $CHATRELAY_HOME/config.toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, off)")
	root.PersistentFlags().StringVar(&a.userID, "user", "", "User id sent with messages and used to filter sessions")

	root.AddCommand(newChatCmd(a))
	root.AddCommand(newAskCmd(a))
	root.AddCommand(newSessionsCmd(a))
	root.AddCommand(newTranscriptCmd(a))
	root.AddCommand(newHealthCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newVersionCmd(version))

	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(version string) int {
	if err := NewRootCmd(version).Execute(); err != nil {
		theme := styles.NewTheme(os.Stderr)
		fmt.Fprintln(os.Stderr, theme.RenderError(err.Error()))
		return 1
	}
	return 0
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the chatrelay version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s\n", version)
			return err
		},
	}
}
