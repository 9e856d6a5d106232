// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnSave(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, SaveTo(Default(), path))

	var mu sync.Mutex
	var got []*Config
	w, err := Watch(path, WatchOptions{
		Debounce: 20 * time.Millisecond,
		OnChange: func(c *Config) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer w.Close()

	cfg := Default()
	cfg.UI.ShowThinking = true
	require.NoError(t, SaveTo(cfg, path))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1].UI.ShowThinking
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_IgnoresInvalidAndOtherFiles(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, SaveTo(Default(), path))

	changes := make(chan *Config, 10)
	w, err := Watch(path, WatchOptions{
		Debounce: 20 * time.Millisecond,
		OnChange: func(c *Config) { changes <- c },
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat_history"), []byte("hello\n"), 0600))
	require.NoError(t, os.WriteFile(path, []byte("[store]\ndriver = \"postgres\"\n"), 0600))

	select {
	case c := <-changes:
		t.Fatalf("unexpected reload: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close(), "closing twice")
}
