// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives one conversation: it sends user input to the agent
// service and fans the streamed answer out to the conversation and the
// per-agent stores.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/chatrelay/internal/agentapi"
	"github.com/jeranaias/chatrelay/internal/agentevents"
	"github.com/jeranaias/chatrelay/internal/conversation"
)

// FailureNotice is shown when a message could not be delivered.
const FailureNotice = "message could not be sent, verify the service is reachable"

// ErrBusy is returned when Send is called while a reply is still streaming.
var ErrBusy = errors.New("a reply is still streaming")

// Streamer runs one request against the agent service. *agentapi.Client
// implements it.
type Streamer interface {
	Stream(ctx context.Context, req agentapi.Request, h agentapi.Handlers) (string, error)
}

// Activity is what the service is doing right now.
type Activity struct {
	// Thinking is true from the moment a message is sent until the reply
	// completes or fails.
	Thinking bool
	// Agent and State name the last agent reported as thinking or
	// executing; empty when none is.
	Agent string
	State agentapi.AgentState
}

// Options configure a Controller.
type Options struct {
	Client Streamer
	// Persister backs the conversation; nil keeps it in memory.
	Persister conversation.Persister
	// Agents receives per-agent data. An in-memory store is created when nil.
	Agents *agentevents.Store
	UserID string
	Locale string
	Logger zerolog.Logger

	// OnChange, OnActivity and OnNotice are optional observers. They run on
	// the goroutine that calls Send.
	OnChange   func(conversation.Snapshot)
	OnActivity func(Activity)
	OnNotice   func(string)
}

// Controller owns the open conversation.
type Controller struct {
	opts   Options
	client Streamer
	agents *agentevents.Store
	log    zerolog.Logger

	mu       sync.Mutex
	conv     *conversation.Store
	activity Activity
	states   map[string]agentapi.AgentState

	sending atomic.Bool
	now     func() time.Time
}

// New returns a controller holding a fresh conversation.
func New(opts Options) *Controller {
	agents := opts.Agents
	if agents == nil {
		agents = agentevents.New(agentevents.Options{Logger: opts.Logger})
	}
	c := &Controller{
		opts:   opts,
		client: opts.Client,
		agents: agents,
		log:    opts.Logger.With().Str("component", "chat").Logger(),
		states: make(map[string]agentapi.AgentState),
		now:    time.Now,
	}
	c.conv = c.newConversation("")
	return c
}

func (c *Controller) convOptions(sessionID string) conversation.Options {
	return conversation.Options{
		SessionID: sessionID,
		UserID:    c.opts.UserID,
		Persister: c.opts.Persister,
		Logger:    c.opts.Logger,
		OnChange:  c.opts.OnChange,
	}
}

func (c *Controller) newConversation(sessionID string) *conversation.Store {
	return conversation.New(c.convOptions(sessionID))
}

// Conversation returns the open conversation.
func (c *Controller) Conversation() *conversation.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Agents returns the per-agent store.
func (c *Controller) Agents() *agentevents.Store {
	return c.agents
}

// Reset leaves the open conversation and starts an empty one.
func (c *Controller) Reset() error {
	if c.sending.Load() {
		return ErrBusy
	}
	c.mu.Lock()
	old := c.conv
	c.conv = c.newConversation("")
	c.states = make(map[string]agentapi.AgentState)
	c.mu.Unlock()

	c.agents.ClearSession(old.ID())
	return nil
}

// Open leaves the open conversation and loads sessionID with its messages
// and agent data.
func (c *Controller) Open(ctx context.Context, sessionID string) error {
	if c.sending.Load() {
		return ErrBusy
	}
	var conv *conversation.Store
	if c.opts.Persister != nil {
		loaded, err := conversation.Load(ctx, c.convOptions(sessionID))
		if err != nil {
			return err
		}
		conv = loaded
	} else {
		conv = c.newConversation(sessionID)
	}

	c.mu.Lock()
	old := c.conv
	c.conv = conv
	c.states = make(map[string]agentapi.AgentState)
	c.mu.Unlock()

	if old.ID() != sessionID {
		c.agents.ClearSession(old.ID())
	}
	// Pending writes must land first or the reload drops them.
	c.agents.Wait()
	if err := c.agents.LoadSession(ctx, sessionID); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load agent data")
	}
	if c.opts.OnChange != nil {
		c.opts.OnChange(conv.Snapshot())
	}
	return nil
}

// Close clears the in-memory agent data of the open conversation and waits
// for pending background writes.
func (c *Controller) Close() {
	c.agents.ClearSession(c.Conversation().ID())
	c.agents.Wait()
}

// Activity returns the current activity indicator.
func (c *Controller) Activity() Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

// AgentStates returns the last reported state of every agent of the
// current or most recent reply.
func (c *Controller) AgentStates() map[string]agentapi.AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]agentapi.AgentState, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

// Transcript returns an agent's raw output in the open conversation.
func (c *Controller) Transcript(agent string) agentevents.Transcript {
	return c.agents.Transcript(c.Conversation().ID(), agent)
}

// Status returns an agent's timing in the open conversation.
func (c *Controller) Status(agent string) agentevents.StatusView {
	return c.agents.Status(c.Conversation().ID(), agent)
}

// =============================================================================
// SEND
// =============================================================================

// Send posts text and streams the reply into the conversation. On failure
// the placeholder is removed and, unless the caller cancelled, the failure
// notice is emitted. The activity indicator is cleared on every return.
func (c *Controller) Send(ctx context.Context, text string) (conversation.Message, error) {
	if c.client == nil {
		return conversation.Message{}, errors.New("chat: no agent client configured")
	}
	if !c.sending.CompareAndSwap(false, true) {
		return conversation.Message{}, ErrBusy
	}
	defer c.sending.Store(false)

	conv := c.Conversation()
	userMsg, err := conv.AppendUser(ctx, text)
	if err != nil {
		return conversation.Message{}, err
	}

	c.mu.Lock()
	c.states = make(map[string]agentapi.AgentState)
	c.mu.Unlock()
	c.setActivity(Activity{Thinking: true})
	defer c.setActivity(Activity{})

	sessionID := conv.ID()
	id := conv.BeginAssistant()
	log := c.log.With().Str("session_id", sessionID).Str("message_id", id).Logger()

	handlers := agentapi.Handlers{
		OnDelta: func(delta string) {
			if _, err := conv.ApplyDelta(id, delta); err != nil {
				log.Warn().Err(err).Msg("delta for unknown message")
			}
		},
		OnStatus: func(st agentapi.StatusUpdate) {
			c.onStatus(sessionID, st)
		},
		OnAgentDelta: func(d agentapi.AgentDelta) {
			c.agents.AppendEvent(sessionID, agentevents.Event{
				Agent:        d.Agent,
				Delta:        d.Delta,
				InvocationID: d.InvocationID,
				Timestamp:    d.Timestamp,
			})
		},
	}

	final, err := c.client.Stream(ctx, agentapi.Request{
		SessionID: sessionID,
		UserID:    conv.UserID(),
		Message:   userMsg.Content,
		Locale:    c.opts.Locale,
	}, handlers)
	if err != nil {
		if derr := conv.Discard(id); derr != nil {
			log.Warn().Err(derr).Msg("failed to discard placeholder")
		}
		if errors.Is(err, agentapi.ErrCancelled) {
			log.Debug().Msg("send cancelled")
		} else {
			log.Warn().Err(err).Msg("send failed")
			c.notice(FailureNotice)
		}
		return conversation.Message{}, fmt.Errorf("send: %w", err)
	}

	return conv.Complete(ctx, id, final)
}

func (c *Controller) onStatus(sessionID string, st agentapi.StatusUpdate) {
	c.mu.Lock()
	c.states[st.Agent] = st.State
	var act *Activity
	if st.State == agentapi.AgentThinking || st.State == agentapi.AgentExecuting {
		act = &Activity{Thinking: true, Agent: st.Agent, State: st.State}
	}
	c.mu.Unlock()

	if act != nil {
		c.setActivity(*act)
	}

	ts := float64(c.now().UnixNano()) / float64(time.Second)
	if st.Timestamp != nil {
		ts = *st.Timestamp
	}
	c.agents.UpdateStatus(sessionID, st.Agent, st.State, ts)
}

func (c *Controller) setActivity(a Activity) {
	c.mu.Lock()
	c.activity = a
	c.mu.Unlock()
	if c.opts.OnActivity != nil {
		c.opts.OnActivity(a)
	}
}

func (c *Controller) notice(msg string) {
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(msg)
	}
}
