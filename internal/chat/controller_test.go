// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/agentapi"
	"github.com/jeranaias/chatrelay/internal/agentevents"
	"github.com/jeranaias/chatrelay/internal/conversation"
	"github.com/jeranaias/chatrelay/internal/docstore"
)

// scriptedStreamer replays handler calls and then returns final/err.
type scriptedStreamer struct {
	script func(h agentapi.Handlers)
	final  string
	err    error
	got    agentapi.Request
	during func()
}

func (s *scriptedStreamer) Stream(ctx context.Context, req agentapi.Request, h agentapi.Handlers) (string, error) {
	s.got = req
	if s.script != nil {
		s.script(h)
	}
	if s.during != nil {
		s.during()
	}
	return s.final, s.err
}

func ts(f float64) *float64 { return &f }

// slowRepository delays agent event writes.
type slowRepository struct {
	*docstore.Repository
	delay time.Duration
}

func (r *slowRepository) SaveAgentEvent(ctx context.Context, sessionID string, ev docstore.AgentEventRecord) error {
	time.Sleep(r.delay)
	return r.Repository.SaveAgentEvent(ctx, sessionID, ev)
}

func TestSend_FansOutToStores(t *testing.T) {
	repo := docstore.NewRepository(docstore.NewMemory())
	agents := agentevents.New(agentevents.Options{Persister: repo})

	var activities []Activity
	var midStream Activity
	streamer := &scriptedStreamer{
		script: func(h agentapi.Handlers) {
			h.OnStatus(agentapi.StatusUpdate{Agent: "search_agent", State: agentapi.AgentThinking, Timestamp: ts(1)})
			h.OnDelta("REASON: look ")
			h.OnAgentDelta(agentapi.AgentDelta{Agent: "search_agent", Delta: "REASON: look ", InvocationID: "i1", Timestamp: 1.5})
			h.OnStatus(agentapi.StatusUpdate{Agent: "search_agent", State: agentapi.AgentExecuting, Timestamp: ts(2)})
			h.OnDelta("it up\nACT: Paris")
			h.OnAgentDelta(agentapi.AgentDelta{Agent: "search_agent", Delta: "it up\nACT: Paris", InvocationID: "i1", Timestamp: 2.5})
			h.OnStatus(agentapi.StatusUpdate{Agent: "search_agent", State: agentapi.AgentDone, Timestamp: ts(3)})
		},
		final: "REASON: look it up\nACT: Paris",
	}

	var c *Controller
	streamer.during = func() { midStream = c.Activity() }
	c = New(Options{
		Client:     streamer,
		Persister:  repo,
		Agents:     agents,
		UserID:     "u1",
		Locale:     "pt-BR",
		OnActivity: func(a Activity) { activities = append(activities, a) },
	})

	msg, err := c.Send(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", msg.Content)
	require.NotNil(t, msg.Thinking)
	assert.Equal(t, "look it up", msg.Thinking.Reason)

	sessionID := c.Conversation().ID()
	assert.Equal(t, agentapi.Request{SessionID: sessionID, UserID: "u1", Message: "capital of France?", Locale: "pt-BR"}, streamer.got)

	assert.Equal(t, Activity{Thinking: true, Agent: "search_agent", State: agentapi.AgentExecuting}, midStream)
	assert.Equal(t, Activity{}, c.Activity(), "indicator cleared after success")
	require.NotEmpty(t, activities)
	assert.Equal(t, Activity{Thinking: true}, activities[0])
	assert.Equal(t, Activity{}, activities[len(activities)-1])

	assert.Equal(t, map[string]agentapi.AgentState{"search_agent": agentapi.AgentDone}, c.AgentStates())
	assert.Equal(t, "REASON: look it up\nACT: Paris", c.Transcript("search_agent").Text)
	st := c.Status("search_agent")
	require.NotNil(t, st.DurationMs)
	assert.Equal(t, 2000.0, *st.DurationMs)
	assert.Equal(t, 2, st.Chunks)

	c.Close()
	stored, err := repo.SessionMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Paris", stored[1].Content)
	events, err := repo.AgentEvents(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSend_FailureDiscardsPlaceholder(t *testing.T) {
	var notices []string
	streamer := &scriptedStreamer{
		script: func(h agentapi.Handlers) {
			h.OnStatus(agentapi.StatusUpdate{Agent: "writer", State: agentapi.AgentThinking})
			h.OnDelta("partial")
		},
		err: &agentapi.StreamError{Partial: "partial", Err: errors.New("connection reset")},
	}
	c := New(Options{Client: streamer, OnNotice: func(n string) { notices = append(notices, n) }})

	_, err := c.Send(context.Background(), "hello")
	var se *agentapi.StreamError
	assert.ErrorAs(t, err, &se)

	assert.Equal(t, []string{FailureNotice}, notices)
	assert.Equal(t, Activity{}, c.Activity(), "indicator cleared after failure")
	msgs := c.Conversation().Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.False(t, c.Conversation().Streaming())
}

func TestSend_CancelledIsQuiet(t *testing.T) {
	var notices []string
	streamer := &scriptedStreamer{err: fmt.Errorf("%w: %w", agentapi.ErrCancelled, context.Canceled)}
	c := New(Options{Client: streamer, OnNotice: func(n string) { notices = append(notices, n) }})

	_, err := c.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, notices)
	assert.Equal(t, Activity{}, c.Activity())
	assert.Len(t, c.Conversation().Snapshot().Messages, 1)
}

func TestSend_EmptyAndBusy(t *testing.T) {
	c := New(Options{Client: &scriptedStreamer{}})
	_, err := c.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, conversation.ErrEmptyMessage)

	streamer := &scriptedStreamer{final: "ok"}
	c = New(Options{Client: streamer})
	var nested error
	streamer.during = func() {
		_, nested = c.Send(context.Background(), "again")
		assert.ErrorIs(t, c.Reset(), ErrBusy)
	}
	_, err = c.Send(context.Background(), "first")
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrBusy)

	_, err = New(Options{}).Send(context.Background(), "x")
	assert.Error(t, err)
}

func TestOpenAndReset(t *testing.T) {
	repo := docstore.NewRepository(docstore.NewMemory())
	agents := agentevents.New(agentevents.Options{Persister: repo})
	ctx := context.Background()

	_, err := repo.SaveMessage(ctx, "old", docstore.MessageRecord{Role: "user", Content: "earlier question", UserID: "u1"})
	require.NoError(t, err)
	_, err = repo.SaveMessage(ctx, "old", docstore.MessageRecord{Role: "assistant", Content: "earlier answer", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, repo.SaveAgentEvent(ctx, "old", docstore.AgentEventRecord{Agent: "writer", Delta: "trace", InvocationID: "i", Timestamp: 1}))

	c := New(Options{Client: &scriptedStreamer{}, Persister: repo, Agents: agents, UserID: "u1"})
	first := c.Conversation().ID()
	agents.AppendEvent(first, agentevents.Event{Agent: "writer", Delta: "x"})

	require.NoError(t, c.Open(ctx, "old"))
	assert.Equal(t, "old", c.Conversation().ID())
	assert.Equal(t, "earlier question", c.Conversation().Title())
	assert.Len(t, c.Conversation().Snapshot().Messages, 2)
	assert.Equal(t, "trace", c.Transcript("writer").Text)
	assert.Empty(t, agents.Agents(first), "leaving a conversation clears its agent data")

	require.NoError(t, c.Reset())
	assert.NotEqual(t, "old", c.Conversation().ID())
	assert.Empty(t, agents.Agents("old"))
	agents.Wait()
}

func TestSend_AgainstService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"status\",\"agent\":\"writer\",\"state\":\"thinking\",\"timestamp\":10}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"delta\":\"REASON: r\\nACT: \",\"agent\":\"writer\",\"invocationId\":\"inv\",\"timestamp\":10.5}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"delta\":\"hello\",\"agent\":\"writer\",\"invocationId\":\"inv\",\"timestamp\":11}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"status\",\"agent\":\"writer\",\"state\":\"done\",\"timestamp\":12.5}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"done\",\"done\":true}\n\n")
	}))
	defer srv.Close()

	client := agentapi.NewClient(agentapi.Options{BaseURL: srv.URL})
	c := New(Options{Client: client})

	msg, err := c.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "REASON: r\nACT: hello", c.Transcript("writer").Text)
	st := c.Status("writer")
	require.NotNil(t, st.DurationMs)
	assert.Equal(t, 2500.0, *st.DurationMs)
}

func TestOpen_SameSessionKeepsPendingAgentData(t *testing.T) {
	repo := &slowRepository{Repository: docstore.NewRepository(docstore.NewMemory()), delay: 100 * time.Millisecond}
	streamer := &scriptedStreamer{
		script: func(h agentapi.Handlers) {
			h.OnDelta("answer")
			h.OnAgentDelta(agentapi.AgentDelta{Agent: "writer", Delta: "answer", InvocationID: "i1", Timestamp: 1})
		},
		final: "answer",
	}
	c := New(Options{
		Client:    streamer,
		Persister: repo,
		Agents:    agentevents.New(agentevents.Options{Persister: repo}),
	})
	defer c.Close()

	_, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	sessionID := c.Conversation().ID()

	require.NoError(t, c.Open(context.Background(), sessionID))
	tr := c.Transcript("writer")
	assert.Equal(t, "answer", tr.Text)
	assert.Len(t, tr.Events, 1)
}
