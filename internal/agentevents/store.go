// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agentevents keeps the per-agent raw transcripts and phase timings
// of a conversation and mirrors them to the document store in the
// background.
package agentevents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/chatrelay/internal/agentapi"
	"github.com/jeranaias/chatrelay/internal/docstore"
)

// DefaultPersistTimeout bounds one background write.
const DefaultPersistTimeout = 10 * time.Second

// =============================================================================
// TYPES
// =============================================================================

// Event is one raw delta attributed to an agent.
type Event = docstore.AgentEventRecord

// Status is the phase timing of one agent in Unix seconds. A field, once
// set, is only ever overwritten, never cleared.
type Status struct {
	StartedAt  *float64
	ExecutedAt *float64
	FinishedAt *float64
}

// StatusView is Status plus its derived values.
type StatusView struct {
	Status
	// DurationMs is (FinishedAt - StartedAt) in milliseconds, never
	// negative; nil unless both ends are known.
	DurationMs *float64
	// Chunks is the number of events recorded for the agent.
	Chunks int
}

// Transcript is the raw text an agent produced in a session.
type Transcript struct {
	Text   string
	Events []Event
}

// Persister is the storage agent data is mirrored to.
// *docstore.Repository implements it.
type Persister interface {
	SaveAgentEvent(ctx context.Context, sessionID string, ev docstore.AgentEventRecord) error
	SaveAgentStatus(ctx context.Context, sessionID string, st docstore.AgentStatusRecord) error
	AgentEvents(ctx context.Context, sessionID string) ([]docstore.AgentEventRecord, error)
	AgentStatuses(ctx context.Context, sessionID string) (map[string]docstore.AgentStatusRecord, error)
}

// Options configure a Store.
type Options struct {
	// Persister may be nil to keep everything in memory.
	Persister Persister
	Logger    zerolog.Logger
	// PersistTimeout bounds each background write.
	PersistTimeout time.Duration
}

type agentData struct {
	events []Event
	status Status
}

// =============================================================================
// STORE
// =============================================================================

// Store holds agent data for any number of sessions. In-memory state is
// authoritative; background writes never feed back into it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*agentData

	persist Persister
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// New returns an empty store.
func New(opts Options) *Store {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	return &Store{
		sessions: make(map[string]map[string]*agentData),
		persist:  opts.Persister,
		timeout:  opts.PersistTimeout,
		log:      opts.Logger.With().Str("component", "agentevents").Logger(),
	}
}

func (s *Store) agentLocked(sessionID, agent string) *agentData {
	agents, ok := s.sessions[sessionID]
	if !ok {
		agents = make(map[string]*agentData)
		s.sessions[sessionID] = agents
	}
	d, ok := agents[agent]
	if !ok {
		d = &agentData{}
		agents[agent] = d
	}
	return d
}

// AppendEvent records ev for its agent and saves it in the background.
func (s *Store) AppendEvent(sessionID string, ev Event) {
	s.mu.Lock()
	d := s.agentLocked(sessionID, ev.Agent)
	d.events = append(d.events, ev)
	s.mu.Unlock()

	s.background(sessionID, "event", func(ctx context.Context) error {
		return s.persist.SaveAgentEvent(ctx, sessionID, ev)
	})
}

// UpdateStatus sets the field that state maps to (thinking: StartedAt,
// executing: ExecutedAt, done: FinishedAt) and saves it in the background.
// The last write to a field wins; phases arriving out of order are stored
// as they come.
func (s *Store) UpdateStatus(sessionID, agent string, state agentapi.AgentState, ts float64) {
	rec := docstore.AgentStatusRecord{Agent: agent}
	v := ts
	switch state {
	case agentapi.AgentThinking:
		rec.StartedAt = &v
	case agentapi.AgentExecuting:
		rec.ExecutedAt = &v
	case agentapi.AgentDone:
		rec.FinishedAt = &v
	default:
		s.log.Debug().Str("agent", agent).Str("state", string(state)).Msg("ignoring unknown agent state")
		return
	}

	s.mu.Lock()
	mergeStatus(&s.agentLocked(sessionID, agent).status, rec)
	s.mu.Unlock()

	s.background(sessionID, "status", func(ctx context.Context) error {
		return s.persist.SaveAgentStatus(ctx, sessionID, rec)
	})
}

func mergeStatus(st *Status, rec docstore.AgentStatusRecord) {
	if rec.StartedAt != nil {
		st.StartedAt = copyFloat(rec.StartedAt)
	}
	if rec.ExecutedAt != nil {
		st.ExecutedAt = copyFloat(rec.ExecutedAt)
	}
	if rec.FinishedAt != nil {
		st.FinishedAt = copyFloat(rec.FinishedAt)
	}
}

// Transcript returns the concatenated raw deltas of one agent in the order
// they were appended.
func (s *Store) Transcript(sessionID, agent string) Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.sessions[sessionID][agent]
	if d == nil {
		return Transcript{}
	}
	var b strings.Builder
	for _, ev := range d.events {
		b.WriteString(ev.Delta)
	}
	events := make([]Event, len(d.events))
	copy(events, d.events)
	return Transcript{Text: b.String(), Events: events}
}

// Status returns the timing of one agent.
func (s *Store) Status(sessionID, agent string) StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.sessions[sessionID][agent]
	if d == nil {
		return StatusView{}
	}
	view := StatusView{
		Status: Status{
			StartedAt:  copyFloat(d.status.StartedAt),
			ExecutedAt: copyFloat(d.status.ExecutedAt),
			FinishedAt: copyFloat(d.status.FinishedAt),
		},
		Chunks: len(d.events),
	}
	if d.status.StartedAt != nil && d.status.FinishedAt != nil {
		ms := (*d.status.FinishedAt - *d.status.StartedAt) * 1000
		if ms < 0 {
			ms = 0
		}
		view.DurationMs = &ms
	}
	return view
}

// Agents lists the agents seen in a session, sorted by name.
func (s *Store) Agents(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]string, 0, len(s.sessions[sessionID]))
	for name := range s.sessions[sessionID] {
		agents = append(agents, name)
	}
	sort.Strings(agents)
	return agents
}

// ClearSession drops the in-memory data of a session. Persisted data is
// untouched.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// LoadSession replaces the in-memory data of a session with what the
// persister holds, grouping events by agent.
func (s *Store) LoadSession(ctx context.Context, sessionID string) error {
	if s.persist == nil {
		return nil
	}

	var events []docstore.AgentEventRecord
	var statuses map[string]docstore.AgentStatusRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = s.persist.AgentEvents(gctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		statuses, err = s.persist.AgentStatuses(gctx, sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load agent data for %s: %w", sessionID, err)
	}

	agents := make(map[string]*agentData)
	get := func(name string) *agentData {
		d, ok := agents[name]
		if !ok {
			d = &agentData{}
			agents[name] = d
		}
		return d
	}
	for _, ev := range events {
		d := get(ev.Agent)
		d.events = append(d.events, ev)
	}
	for name, rec := range statuses {
		mergeStatus(&get(name).status, rec)
	}

	s.mu.Lock()
	s.sessions[sessionID] = agents
	s.mu.Unlock()

	s.log.Debug().Str("session_id", sessionID).Int("events", len(events)).Int("agents", len(agents)).Msg("agent data loaded")
	return nil
}

// Wait blocks until every background write started so far has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// background runs one write detached from the caller. Failures are logged
// and otherwise ignored.
func (s *Store) background(sessionID, kind string, write func(ctx context.Context) error) {
	if s.persist == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := write(ctx); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Str("kind", kind).Msg("failed to save agent data")
		}
	}()
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
