// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/docstore"
	"github.com/jeranaias/chatrelay/internal/transcript"
)

func newRepo() *docstore.Repository {
	return docstore.NewRepository(docstore.NewMemory())
}

// failingPersister rejects every write.
type failingPersister struct {
	*docstore.Repository
	saves int
}

func (f *failingPersister) SaveMessage(ctx context.Context, sessionID string, msg docstore.MessageRecord) (string, error) {
	f.saves++
	return "", errors.New("store offline")
}

func TestStore_NewDefaults(t *testing.T) {
	s := New(Options{})
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, docstore.AnonymousUser, s.UserID())
	assert.Equal(t, docstore.DefaultTitle, s.Title())
	assert.Empty(t, s.Snapshot().Messages)
	assert.False(t, s.Streaming())
}

func TestStore_AppendUserDerivesTitle(t *testing.T) {
	s := New(Options{SessionID: "s1", UserID: "u1"})
	ctx := context.Background()

	_, err := s.AppendUser(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)

	msg, err := s.AppendUser(ctx, "  "+strings.Repeat("x", 65)+"  ")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, strings.Repeat("x", 65), msg.Content)
	assert.Equal(t, strings.Repeat("x", 60)+"...", s.Title())

	_, err = s.AppendUser(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 60)+"...", s.Title(), "title comes from the first message only")
}

func TestStore_StreamingLifecycle(t *testing.T) {
	repo := newRepo()
	s := New(Options{SessionID: "s1", UserID: "u1", Persister: repo})
	ctx := context.Background()

	_, err := s.AppendUser(ctx, "what is 2+2?")
	require.NoError(t, err)

	id := s.BeginAssistant()
	assert.True(t, s.Streaming())
	placeholder, ok := s.Message(id)
	require.True(t, ok)
	assert.Equal(t, RoleAssistant, placeholder.Role)
	assert.Empty(t, placeholder.Content)
	assert.True(t, placeholder.Streaming)

	var raw strings.Builder
	for _, delta := range []string{"REASON: add ", "the numbers\nACT: ", "4"} {
		raw.WriteString(delta)
		msg, err := s.ApplyDelta(id, delta)
		require.NoError(t, err)
		assert.Equal(t, transcript.Extract(raw.String()).FinalContent, msg.Content)
	}

	msg, err := s.Complete(ctx, id, raw.String())
	require.NoError(t, err)
	assert.Equal(t, "4", msg.Content)
	require.NotNil(t, msg.Thinking)
	assert.Equal(t, "add the numbers", msg.Thinking.Reason)
	assert.False(t, msg.Streaming)
	assert.False(t, s.Streaming())

	_, err = s.ApplyDelta(id, "late")
	assert.ErrorIs(t, err, ErrNotStreaming)

	stored, err := repo.SessionMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "what is 2+2?", stored[0].Content)
	assert.Equal(t, "assistant", stored[1].Role)
	assert.Equal(t, "4", stored[1].Content, "the final content is saved, not the raw trace")
	assert.Equal(t, "u1", stored[1].UserID)
}

func TestStore_ContentAndThinkingChangeTogether(t *testing.T) {
	var mu sync.Mutex
	var snaps []Snapshot
	s := New(Options{OnChange: func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	}})

	id := s.BeginAssistant()
	_, err := s.ApplyDelta(id, "REASON: think")
	require.NoError(t, err)
	_, err = s.ApplyDelta(id, "\nACT: answer")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, snaps, 3)
	for _, snap := range snaps {
		for _, m := range snap.Messages {
			if m.ID != id {
				continue
			}
			var raw string
			switch {
			case m.Content == "":
				raw = ""
			case m.Thinking != nil && m.Thinking.Act != "":
				raw = "REASON: think\nACT: answer"
			default:
				raw = "REASON: think"
			}
			want := transcript.Extract(raw)
			assert.Equal(t, want.FinalContent, m.Content)
			assert.Equal(t, want.Thinking, m.Thinking)
		}
	}
	last := snaps[2].Messages[0]
	assert.Equal(t, "answer", last.Content)
	assert.Equal(t, "think", last.Thinking.Reason)
}

func TestStore_SnapshotIsDeepCopy(t *testing.T) {
	s := New(Options{})
	id := s.BeginAssistant()
	_, err := s.ApplyDelta(id, "REASON: a\nACT: b")
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.Messages[0].Thinking.Reason = "mutated"

	msg, ok := s.Message(id)
	require.True(t, ok)
	assert.Equal(t, "b", msg.Content)
	assert.Equal(t, "a", msg.Thinking.Reason)
}

func TestStore_Discard(t *testing.T) {
	s := New(Options{})
	_, err := s.AppendUser(context.Background(), "hi")
	require.NoError(t, err)
	id := s.BeginAssistant()

	require.NoError(t, s.Discard(id))
	assert.Len(t, s.Snapshot().Messages, 1)
	assert.False(t, s.Streaming())

	assert.ErrorIs(t, s.Discard(id), ErrUnknownMessage)
	_, err = s.Complete(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestStore_PersistFailureKeepsLocalState(t *testing.T) {
	p := &failingPersister{Repository: newRepo()}
	s := New(Options{Persister: p})
	ctx := context.Background()

	_, err := s.AppendUser(ctx, "hello")
	require.NoError(t, err)
	id := s.BeginAssistant()
	_, err = s.ApplyDelta(id, "hi there")
	require.NoError(t, err)
	msg, err := s.Complete(ctx, id, "hi there")
	require.NoError(t, err)

	assert.Equal(t, "hi there", msg.Content)
	assert.Equal(t, 2, p.saves)
	assert.Len(t, s.Snapshot().Messages, 2)
}

func TestStore_ToolCallGuardShowsRaw(t *testing.T) {
	s := New(Options{})
	id := s.BeginAssistant()
	raw := "REASON: a\nACT: print('x')"
	_, err := s.ApplyDelta(id, raw)
	require.NoError(t, err)
	msg, err := s.Complete(context.Background(), id, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, msg.Content)
	assert.Nil(t, msg.Thinking)
}

func TestLoad(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	s, err := Load(ctx, Options{SessionID: "never-saved", Persister: repo})
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Messages)
	assert.Equal(t, docstore.DefaultTitle, s.Title())

	_, err = repo.SaveMessage(ctx, "s1", docstore.MessageRecord{Role: "user", Content: "question", UserID: "u1"})
	require.NoError(t, err)
	_, err = repo.SaveMessage(ctx, "s1", docstore.MessageRecord{Role: "assistant", Content: "REASON: r\nACT: final", UserID: "u1"})
	require.NoError(t, err)

	s, err = Load(ctx, Options{SessionID: "s1", UserID: "u1", Persister: repo})
	require.NoError(t, err)
	snap := s.Snapshot()
	assert.Equal(t, "question", snap.Title)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "final", snap.Messages[1].Content)
	require.NotNil(t, snap.Messages[1].Thinking)
	assert.Equal(t, "r", snap.Messages[1].Thinking.Reason)

	_, err = Load(ctx, Options{SessionID: "s1"})
	assert.Error(t, err)
}

func TestStore_Rename(t *testing.T) {
	repo := newRepo()
	s := New(Options{SessionID: "s1", UserID: "u1", Persister: repo})
	ctx := context.Background()

	assert.ErrorIs(t, s.Rename(ctx, " "), ErrEmptyMessage)
	require.NoError(t, s.Rename(ctx, "Budget review"))
	assert.Equal(t, "Budget review", s.Title())

	sess, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Budget review", sess.Title)

	_, err = s.AppendUser(ctx, "first message")
	require.NoError(t, err)
	assert.Equal(t, "Budget review", s.Title())
}
