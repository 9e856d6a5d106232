// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) (*Repository, func()) {
	t.Helper()
	m := NewMemory()
	clock := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return NewRepository(m), func() { clock = clock.Add(time.Minute) }
}

func TestRepository_SaveMessageCreatesSession(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	id, err := repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: "  How do I reset my password?  ", UserID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	sess, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "How do I reset my password?", sess.Title)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, 1, sess.MessageCount)
	assert.Equal(t, "  How do I reset my password?  ", sess.LastMessage)
}

func TestRepository_TitleOnlyFromFirstUserMessage(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.SaveMessage(ctx, "s1", MessageRecord{Role: "assistant", Content: "Welcome!"})
	require.NoError(t, err)
	sess, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, sess.Title, "assistant messages never name a session")
	assert.Equal(t, AnonymousUser, sess.UserID)

	_, err = repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: "   "})
	require.NoError(t, err)
	_, err = repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: "first question"})
	require.NoError(t, err)
	_, err = repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: "second question"})
	require.NoError(t, err)

	sess, err = repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "first question", sess.Title)
	assert.Equal(t, 4, sess.MessageCount)
	assert.Equal(t, "second question", sess.LastMessage)
}

func TestRepository_LongTitleAndSnippet(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	long := strings.Repeat("a", 70)

	_, err := repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: long})
	require.NoError(t, err)
	sess, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 60)+"...", sess.Title)

	_, err = repo.SaveMessage(ctx, "s1", MessageRecord{Role: "assistant", Content: strings.Repeat("b", 130)})
	require.NoError(t, err)
	sess, err = repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 120)+"...", sess.LastMessage)
}

func TestRepository_SessionMessagesOrdered(t *testing.T) {
	repo, tick := newTestRepository(t)
	ctx := context.Background()

	msgs, err := repo.SessionMessages(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, m := range []MessageRecord{
		{Role: "user", Content: "q1", UserID: "u1"},
		{Role: "assistant", Content: "a1", UserID: "u1"},
		{Role: "user", Content: "q2", UserID: "u1"},
	} {
		_, err := repo.SaveMessage(ctx, "s1", m)
		require.NoError(t, err)
		tick()
	}

	msgs, err = repo.SessionMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "q1", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "q2", msgs[2].Content)
	assert.True(t, msgs[0].Timestamp.Before(msgs[2].Timestamp))
}

func TestRepository_ListSessions(t *testing.T) {
	repo, tick := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.SaveMessage(ctx, "mine-old", MessageRecord{Role: "user", Content: "old", UserID: "u1"})
	require.NoError(t, err)
	tick()
	_, err = repo.SaveMessage(ctx, "theirs", MessageRecord{Role: "user", Content: "x", UserID: "u2"})
	require.NoError(t, err)
	tick()
	_, err = repo.SaveMessage(ctx, "shared", MessageRecord{Role: "user", Content: "anon"})
	require.NoError(t, err)
	tick()
	_, err = repo.SaveMessage(ctx, "mine-new", MessageRecord{Role: "user", Content: "new", UserID: "u1"})
	require.NoError(t, err)
	tick()
	_, err = repo.SaveMessage(ctx, "gone", MessageRecord{Role: "user", Content: "bye", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, repo.Store().Update(ctx, "sessions/gone", Document{"deleted": true}))

	list, err := repo.ListSessions(ctx, "u1")
	require.NoError(t, err)
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"mine-new", "shared", "mine-old"}, ids)
}

func TestRepository_UpdateTitle(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.UpdateTitle(ctx, "s1", "Fresh", "u1"))
	sess, err := repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", sess.Title)
	assert.Equal(t, "u1", sess.UserID)

	require.NoError(t, repo.UpdateTitle(ctx, "s1", " Renamed ", "u1"))
	sess, err = repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", sess.Title)

	// A renamed session keeps its title after the first user message.
	_, err = repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: "hello"})
	require.NoError(t, err)
	sess, err = repo.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", sess.Title)
}

func TestRepository_DeleteSession(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.SaveMessage(ctx, "s1", MessageRecord{Role: "user", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, repo.SaveAgentEvent(ctx, "s1", AgentEventRecord{Agent: "a", Delta: "x", InvocationID: "i", Timestamp: 1}))

	require.NoError(t, repo.DeleteSession(ctx, "s1"))

	_, err = repo.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	events, err := repo.AgentEvents(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRepository_AgentEvents(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveAgentEvent(ctx, "s1", AgentEventRecord{Agent: "writer", Delta: "b", InvocationID: "i1", Timestamp: 2}))
	require.NoError(t, repo.SaveAgentEvent(ctx, "s1", AgentEventRecord{Agent: "search", Delta: "a", InvocationID: "i0", Timestamp: 1}))
	require.NoError(t, repo.SaveAgentEvent(ctx, "s1", AgentEventRecord{Agent: "writer", Delta: "c", InvocationID: "i1", Timestamp: 2}))

	events, err := repo.AgentEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, AgentEventRecord{Agent: "search", Delta: "a", InvocationID: "i0", Timestamp: 1}, events[0])
	assert.Equal(t, "b", events[1].Delta, "equal timestamps keep insertion order")
	assert.Equal(t, "c", events[2].Delta)
}

func TestRepository_AgentStatusMerges(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	f := func(v float64) *float64 { return &v }

	require.NoError(t, repo.SaveAgentStatus(ctx, "s1", AgentStatusRecord{Agent: "search_agent", StartedAt: f(1)}))
	require.NoError(t, repo.SaveAgentStatus(ctx, "s1", AgentStatusRecord{Agent: "search_agent", FinishedAt: f(3)}))
	require.NoError(t, repo.SaveAgentStatus(ctx, "s1", AgentStatusRecord{Agent: "writer", ExecutedAt: f(2)}))

	statuses, err := repo.AgentStatuses(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	search := statuses["search_agent"]
	require.NotNil(t, search.StartedAt)
	require.NotNil(t, search.FinishedAt)
	assert.Equal(t, 1.0, *search.StartedAt)
	assert.Nil(t, search.ExecutedAt)
	assert.Equal(t, 3.0, *search.FinishedAt)

	assert.Error(t, repo.SaveAgentStatus(ctx, "s1", AgentStatusRecord{}))
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "short", DeriveTitle("  short\n"))
	assert.Equal(t, strings.Repeat("é", 60)+"...", DeriveTitle(strings.Repeat("é", 61)))
}
