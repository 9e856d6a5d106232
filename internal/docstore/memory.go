// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs tests and the ephemeral mode of
// the CLI.
type Memory struct {
	mu     sync.RWMutex
	docs   map[string]memEntry
	seq    int64
	closed bool
	now    func() time.Time
}

type memEntry struct {
	collection string
	id         string
	seq        int64
	data       Document
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]memEntry),
		now:  time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	if _, _, err := docParts(path); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(e.data), nil
}

func (m *Memory) Set(ctx context.Context, path string, doc Document) error {
	return m.write(path, false, false, func(Document) Document { return doc })
}

func (m *Memory) Merge(ctx context.Context, path string, fields Document) error {
	return m.write(path, true, false, func(Document) Document { return fields })
}

func (m *Memory) Update(ctx context.Context, path string, fields Document) error {
	return m.write(path, true, true, func(Document) Document { return fields })
}

// write applies fields to the document at path. With merge the existing
// content is kept; with mustExist a missing document is ErrNotFound.
func (m *Memory) write(path string, merge, mustExist bool, fields func(Document) Document) error {
	collection, id, err := docParts(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	existing, ok := m.docs[path]
	if !ok && mustExist {
		return ErrNotFound
	}
	var base Document
	if ok && merge {
		base = existing.data
	}
	data, err := applyFields(base, fields(base), m.now())
	if err != nil {
		return err
	}

	seq := existing.seq
	if !ok {
		m.seq++
		seq = m.seq
	}
	m.docs[path] = memEntry{collection: collection, id: id, seq: seq, data: data}
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, doc Document) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	fields := copyDoc(doc)
	if _, ok := fields["createdAt"]; !ok {
		fields["createdAt"] = ServerTimestamp()
	}
	if err := m.Set(ctx, Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if _, _, err := docParts(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prefix := path + "/"
	for p := range m.docs {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(m.docs, p)
		}
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, collection, orderBy string, dir Direction) ([]Snapshot, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	var entries []memEntry
	for _, e := range m.docs {
		if e.collection == collection {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	snaps := make([]Snapshot, len(entries))
	for i, e := range entries {
		snaps[i] = Snapshot{ID: e.id, Path: Join(collection, e.id), Data: copyDoc(e.data)}
	}
	sortSnapshots(snaps, orderBy, dir)
	return snaps, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports the number of stored documents across all collections.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func copyDoc(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
