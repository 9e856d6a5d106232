// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation holds the message list of one open conversation and
// keeps the in-flight assistant message in step with the streamed text.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/chatrelay/internal/docstore"
	"github.com/jeranaias/chatrelay/internal/transcript"
	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownMessage is returned for an id that is not in the list.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrNotStreaming is returned when a delta targets a message that is
	// not an in-flight assistant placeholder.
	ErrNotStreaming = errors.New("message is not streaming")

	// ErrEmptyMessage is returned when the user text is blank.
	ErrEmptyMessage = errors.New("message is empty")
)

// =============================================================================
// TYPES
// =============================================================================

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation. Content and Thinking of an
// assistant message always come from the same extraction.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	Thinking  *transcript.ThinkingBlock
	Streaming bool
}

// Snapshot is a deep copy of the conversation state.
type Snapshot struct {
	ID       string
	Title    string
	UserID   string
	Messages []Message
}

// Persister is the storage the store writes finished messages to.
// *docstore.Repository implements it.
type Persister interface {
	GetSession(ctx context.Context, id string) (docstore.SessionRecord, error)
	SessionMessages(ctx context.Context, sessionID string) ([]docstore.MessageRecord, error)
	SaveMessage(ctx context.Context, sessionID string, msg docstore.MessageRecord) (string, error)
	UpdateTitle(ctx context.Context, id, title, userID string) error
}

// Options configure a Store.
type Options struct {
	// SessionID identifies the conversation. A random id is used when empty.
	SessionID string
	// UserID owns new messages; "anonymous" when empty.
	UserID string
	// Persister may be nil for a purely in-memory conversation.
	Persister Persister
	Logger    zerolog.Logger
	// OnChange is called after every mutation with the new state. It runs on
	// the goroutine that made the change and must not block for long.
	OnChange func(Snapshot)
}

// =============================================================================
// STORE
// =============================================================================

// Store is the state of one open conversation. All methods are safe for
// concurrent use; a mutation and the snapshot handed to OnChange are
// consistent with each other.
type Store struct {
	mu       sync.RWMutex
	id       string
	userID   string
	title    string
	messages []Message
	pending  map[string]*transcript.Accumulator

	persist  Persister
	log      zerolog.Logger
	onChange func(Snapshot)
	now      func() time.Time
}

// New returns an empty conversation.
func New(opts Options) *Store {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.UserID == "" {
		opts.UserID = docstore.AnonymousUser
	}
	return &Store{
		id:       opts.SessionID,
		userID:   opts.UserID,
		title:    docstore.DefaultTitle,
		pending:  make(map[string]*transcript.Accumulator),
		persist:  opts.Persister,
		log:      opts.Logger.With().Str("component", "conversation").Str("session_id", opts.SessionID).Logger(),
		onChange: opts.OnChange,
		now:      time.Now,
	}
}

// Load rebuilds a conversation from its persisted messages. Assistant
// messages are extracted again so their thinking block is available. A
// session that was never saved loads empty.
func Load(ctx context.Context, opts Options) (*Store, error) {
	if opts.Persister == nil {
		return nil, errors.New("conversation: load requires a persister")
	}
	s := New(opts)

	sess, err := opts.Persister.GetSession(ctx, s.id)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load session %s: %w", s.id, err)
	}
	s.title = sess.Title

	records, err := opts.Persister.SessionMessages(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", s.id, err)
	}
	for _, rec := range records {
		msg := Message{
			ID:        rec.ID,
			Role:      Role(rec.Role),
			Content:   rec.Content,
			Timestamp: rec.Timestamp,
		}
		if msg.Role == RoleAssistant {
			res := transcript.Extract(rec.Content)
			msg.Content = res.FinalContent
			msg.Thinking = res.Thinking
		}
		s.messages = append(s.messages, msg)
	}
	s.log.Debug().Int("messages", len(s.messages)).Msg("conversation loaded")
	return s, nil
}

// ID returns the session id.
func (s *Store) ID() string { return s.id }

// UserID returns the owner of new messages.
func (s *Store) UserID() string { return s.userID }

// Title returns the current title.
func (s *Store) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// AppendUser adds a user message and saves it. The first user message of an
// untitled conversation becomes its title.
func (s *Store) AppendUser(ctx context.Context, text string) (Message, error) {
	text = util.Normalize(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	msg := Message{ID: uuid.NewString(), Role: RoleUser, Content: text, Timestamp: s.now()}
	s.messages = append(s.messages, msg)
	if s.title == "" || s.title == docstore.DefaultTitle {
		s.title = docstore.DeriveTitle(text)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	s.save(ctx, msg)
	return msg, nil
}

// BeginAssistant appends an empty assistant placeholder that subsequent
// deltas fill in, and returns its id.
func (s *Store) BeginAssistant() string {
	s.mu.Lock()
	msg := Message{ID: uuid.NewString(), Role: RoleAssistant, Timestamp: s.now(), Streaming: true}
	s.messages = append(s.messages, msg)
	s.pending[msg.ID] = &transcript.Accumulator{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return msg.ID
}

// ApplyDelta appends a raw fragment to the in-flight message and replaces
// its content and thinking with the extraction of the whole raw text.
func (s *Store) ApplyDelta(id, delta string) (Message, error) {
	s.mu.Lock()
	acc, ok := s.pending[id]
	if !ok {
		err := s.missingLocked(id)
		s.mu.Unlock()
		return Message{}, err
	}
	i := s.indexLocked(id)
	res := acc.Write(delta)
	s.messages[i].Content = res.FinalContent
	s.messages[i].Thinking = cloneThinking(res.Thinking)
	msg := cloneMessage(s.messages[i])
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return msg, nil
}

// Complete freezes the in-flight message with the extraction of finalRaw
// and saves the final content. A failed save is logged; the local message
// stays authoritative.
func (s *Store) Complete(ctx context.Context, id, finalRaw string) (Message, error) {
	s.mu.Lock()
	if _, ok := s.pending[id]; !ok {
		err := s.missingLocked(id)
		s.mu.Unlock()
		return Message{}, err
	}
	delete(s.pending, id)
	i := s.indexLocked(id)
	res := transcript.Extract(finalRaw)
	s.messages[i].Content = res.FinalContent
	s.messages[i].Thinking = cloneThinking(res.Thinking)
	s.messages[i].Streaming = false
	msg := cloneMessage(s.messages[i])
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	s.save(ctx, msg)
	return msg, nil
}

// Discard drops an in-flight placeholder whose stream failed.
func (s *Store) Discard(id string) error {
	s.mu.Lock()
	if _, ok := s.pending[id]; !ok {
		err := s.missingLocked(id)
		s.mu.Unlock()
		return err
	}
	delete(s.pending, id)
	i := s.indexLocked(id)
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Rename sets the title locally and in the store.
func (s *Store) Rename(ctx context.Context, title string) error {
	title = util.Normalize(title)
	if title == "" {
		return ErrEmptyMessage
	}
	s.mu.Lock()
	s.title = title
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	if s.persist == nil {
		return nil
	}
	return s.persist.UpdateTitle(ctx, s.id, title, s.userID)
}

// Message returns a copy of one message.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	return cloneMessage(s.messages[i]), true
}

// Snapshot returns a deep copy of the conversation.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Streaming reports whether an assistant message is still in flight.
func (s *Store) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending) > 0
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) save(ctx context.Context, msg Message) {
	if s.persist == nil {
		return
	}
	_, err := s.persist.SaveMessage(ctx, s.id, docstore.MessageRecord{
		Role:    string(msg.Role),
		Content: msg.Content,
		UserID:  s.userID,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Str("role", string(msg.Role)).Msg("failed to save message")
	}
}

func (s *Store) notify(snap Snapshot) {
	if s.onChange != nil {
		s.onChange(snap)
	}
}

func (s *Store) missingLocked(id string) error {
	if s.indexLocked(id) >= 0 {
		return fmt.Errorf("%w: %s", ErrNotStreaming, id)
	}
	return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
}

func (s *Store) indexLocked(id string) int {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]Message, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = cloneMessage(m)
	}
	return Snapshot{ID: s.id, Title: s.title, UserID: s.userID, Messages: msgs}
}

func cloneMessage(m Message) Message {
	m.Thinking = cloneThinking(m.Thinking)
	return m
}

func cloneThinking(b *transcript.ThinkingBlock) *transcript.ThinkingBlock {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}
