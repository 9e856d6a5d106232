// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

const (
	SessionsCollection    = "sessions"
	MessagesCollection    = "messages"
	AgentEventsCollection = "agentEvents"
	AgentStatusCollection = "agentStatus"

	// AnonymousUser owns sessions created without a user id. Anonymous
	// sessions are listed for every user.
	AnonymousUser = "anonymous"

	// DefaultTitle is given to sessions before their first user message.
	DefaultTitle = "New conversation"

	// TitleRunes and SnippetRunes bound the derived title and the
	// lastMessage preview; longer text is cut and suffixed with "...".
	TitleRunes   = 60
	SnippetRunes = 120
)

// =============================================================================
// RECORDS
// =============================================================================

// SessionRecord is the summary document of one conversation.
type SessionRecord struct {
	ID           string
	Title        string
	UserID       string
	LastMessage  string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Deleted      bool
}

// MessageRecord is one persisted chat message. Timestamp is assigned by the
// store on save.
type MessageRecord struct {
	ID        string
	Role      string
	Content   string
	UserID    string
	Timestamp time.Time
}

// AgentEventRecord is one raw delta attributed to an agent.
type AgentEventRecord struct {
	Agent        string
	Delta        string
	InvocationID string
	Timestamp    float64
}

// AgentStatusRecord holds the phase timestamps of one agent, in Unix
// seconds. Nil fields are unknown and are never written.
type AgentStatusRecord struct {
	Agent      string
	StartedAt  *float64
	ExecutedAt *float64
	FinishedAt *float64
}

// DeriveTitle turns the first user message into a session title.
func DeriveTitle(text string) string {
	return util.Snippet(util.Normalize(text), TitleRunes)
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository maps chat sessions, messages and agent data onto a Store.
type Repository struct {
	store Store
	now   func() time.Time
}

// NewRepository wraps store.
func NewRepository(store Store) *Repository {
	return &Repository{store: store, now: time.Now}
}

// Store returns the underlying document store.
func (r *Repository) Store() Store {
	return r.store
}

func sessionPath(id string) string {
	return Join(SessionsCollection, id)
}

// EnsureSession creates the session document if it does not exist yet and
// reports whether it did.
func (r *Repository) EnsureSession(ctx context.Context, id, title, userID string) (bool, error) {
	_, err := r.store.Get(ctx, sessionPath(id))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("load session %s: %w", id, err)
	}
	if userID == "" {
		userID = AnonymousUser
	}
	if title == "" {
		title = DefaultTitle
	}
	err = r.store.Set(ctx, sessionPath(id), Document{
		"id":           id,
		"title":        title,
		"userId":       userID,
		"createdAt":    ServerTimestamp(),
		"updatedAt":    ServerTimestamp(),
		"lastMessage":  "",
		"messageCount": 0,
	})
	if err != nil {
		return false, fmt.Errorf("create session %s: %w", id, err)
	}
	return true, nil
}

// SaveMessage appends msg to the session, creating the session when needed,
// and refreshes the session summary. The first non-blank user message
// becomes the title of a session that still has the default one.
func (r *Repository) SaveMessage(ctx context.Context, sessionID string, msg MessageRecord) (string, error) {
	userID := msg.UserID
	if userID == "" {
		userID = AnonymousUser
	}
	if _, err := r.EnsureSession(ctx, sessionID, DefaultTitle, userID); err != nil {
		return "", err
	}

	id, err := r.store.Add(ctx, Join(sessionPath(sessionID), MessagesCollection), Document{
		"content":   msg.Content,
		"role":      msg.Role,
		"userId":    userID,
		"timestamp": ServerTimestamp(),
	})
	if err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}

	summary := Document{
		"lastMessage":  util.Snippet(msg.Content, SnippetRunes),
		"updatedAt":    ServerTimestamp(),
		"messageCount": Increment(1),
		"userId":       userID,
	}
	if msg.Role == "user" && strings.TrimSpace(msg.Content) != "" {
		doc, err := r.store.Get(ctx, sessionPath(sessionID))
		if err != nil {
			return id, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if title := StringValue(doc["title"]); title == "" || title == DefaultTitle {
			summary["title"] = DeriveTitle(msg.Content)
		}
	}
	if err := r.store.Update(ctx, sessionPath(sessionID), summary); err != nil {
		return id, fmt.Errorf("update session summary: %w", err)
	}
	return id, nil
}

// SessionMessages returns the messages of a session, oldest first. A
// session that does not exist has no messages.
func (r *Repository) SessionMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	if _, err := r.store.Get(ctx, sessionPath(sessionID)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	snaps, err := r.store.Query(ctx, Join(sessionPath(sessionID), MessagesCollection), "timestamp", Ascending)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	now := r.now()
	out := make([]MessageRecord, 0, len(snaps))
	for _, snap := range snaps {
		role := StringValue(snap.Data["role"])
		if role == "" {
			role = "user"
		}
		userID := StringValue(snap.Data["userId"])
		if userID == "" {
			userID = AnonymousUser
		}
		out = append(out, MessageRecord{
			ID:        snap.ID,
			Role:      role,
			Content:   StringValue(snap.Data["content"]),
			UserID:    userID,
			Timestamp: TimeValue(snap.Data["timestamp"], now),
		})
	}
	return out, nil
}

// GetSession returns the session summary or ErrNotFound.
func (r *Repository) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	doc, err := r.store.Get(ctx, sessionPath(id))
	if err != nil {
		return SessionRecord{}, err
	}
	return r.sessionRecord(id, doc), nil
}

func (r *Repository) sessionRecord(id string, doc Document) SessionRecord {
	now := r.now()
	rec := SessionRecord{
		ID:           id,
		Title:        StringValue(doc["title"]),
		UserID:       StringValue(doc["userId"]),
		LastMessage:  StringValue(doc["lastMessage"]),
		MessageCount: int(FloatValue(doc["messageCount"])),
		CreatedAt:    TimeValue(doc["createdAt"], now),
		UpdatedAt:    TimeValue(doc["updatedAt"], now),
		Deleted:      BoolValue(doc["deleted"]),
	}
	if rec.Title == "" {
		rec.Title = DefaultTitle
	}
	if rec.UserID == "" {
		rec.UserID = AnonymousUser
	}
	return rec
}

// ListSessions returns the sessions visible to userID, most recently updated
// first. Soft-deleted sessions are skipped.
func (r *Repository) ListSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	snaps, err := r.store.Query(ctx, SessionsCollection, "updatedAt", Descending)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []SessionRecord
	for _, snap := range snaps {
		rec := r.sessionRecord(snap.ID, snap.Data)
		if rec.Deleted {
			continue
		}
		if rec.UserID != userID && rec.UserID != AnonymousUser {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateTitle renames a session, creating it when it does not exist.
func (r *Repository) UpdateTitle(ctx context.Context, id, title, userID string) error {
	title = util.Normalize(title)
	created, err := r.EnsureSession(ctx, id, title, userID)
	if err != nil || created {
		return err
	}
	err = r.store.Update(ctx, sessionPath(id), Document{
		"title":     title,
		"updatedAt": ServerTimestamp(),
	})
	if err != nil {
		return fmt.Errorf("rename session %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session with its messages and agent data.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, sessionPath(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// SaveAgentEvent appends one agent delta to the session.
func (r *Repository) SaveAgentEvent(ctx context.Context, sessionID string, ev AgentEventRecord) error {
	_, err := r.store.Add(ctx, Join(sessionPath(sessionID), AgentEventsCollection), Document{
		"agent":        ev.Agent,
		"delta":        ev.Delta,
		"invocationId": ev.InvocationID,
		"timestamp":    ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("save agent event: %w", err)
	}
	return nil
}

// SaveAgentStatus merges the set fields of st into the agent's status
// document. Fields already stored are never removed.
func (r *Repository) SaveAgentStatus(ctx context.Context, sessionID string, st AgentStatusRecord) error {
	if st.Agent == "" {
		return fmt.Errorf("%w: empty agent name", ErrInvalidPath)
	}
	fields := Document{
		"agent":     st.Agent,
		"updatedAt": ServerTimestamp(),
	}
	if st.StartedAt != nil {
		fields["startedAt"] = *st.StartedAt
	}
	if st.ExecutedAt != nil {
		fields["executedAt"] = *st.ExecutedAt
	}
	if st.FinishedAt != nil {
		fields["finishedAt"] = *st.FinishedAt
	}
	path := Join(sessionPath(sessionID), AgentStatusCollection, st.Agent)
	if err := r.store.Merge(ctx, path, fields); err != nil {
		return fmt.Errorf("save agent status: %w", err)
	}
	return nil
}

// AgentEvents returns every stored agent delta of a session ordered by the
// delta timestamp.
func (r *Repository) AgentEvents(ctx context.Context, sessionID string) ([]AgentEventRecord, error) {
	snaps, err := r.store.Query(ctx, Join(sessionPath(sessionID), AgentEventsCollection), "timestamp", Ascending)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	out := make([]AgentEventRecord, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, AgentEventRecord{
			Agent:        StringValue(snap.Data["agent"]),
			Delta:        StringValue(snap.Data["delta"]),
			InvocationID: StringValue(snap.Data["invocationId"]),
			Timestamp:    FloatValue(snap.Data["timestamp"]),
		})
	}
	return out, nil
}

// AgentStatuses returns the status documents of a session keyed by agent.
func (r *Repository) AgentStatuses(ctx context.Context, sessionID string) (map[string]AgentStatusRecord, error) {
	snaps, err := r.store.Query(ctx, Join(sessionPath(sessionID), AgentStatusCollection), "", Ascending)
	if err != nil {
		return nil, fmt.Errorf("list agent statuses: %w", err)
	}
	out := make(map[string]AgentStatusRecord, len(snaps))
	for _, snap := range snaps {
		agent := StringValue(snap.Data["agent"])
		if agent == "" {
			agent = snap.ID
		}
		out[agent] = AgentStatusRecord{
			Agent:      agent,
			StartedAt:  OptionalFloat(snap.Data["startedAt"]),
			ExecutedAt: OptionalFloat(snap.Data["executedAt"]),
			FinishedAt: OptionalFloat(snap.Data["finishedAt"]),
		}
	}
	return out, nil
}
