// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Schema holds one row per document. seq records insertion order and is kept
// across rewrites of the same path.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL UNIQUE,
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, seq);
`

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, path string) (Document, error) {
	if _, _, err := docParts(path); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM documents WHERE path = ?", path).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return decodeBody(body)
}

func (s *SQLite) Set(ctx context.Context, path string, doc Document) error {
	return s.write(ctx, path, false, false, doc)
}

func (s *SQLite) Merge(ctx context.Context, path string, fields Document) error {
	return s.write(ctx, path, true, false, fields)
}

func (s *SQLite) Update(ctx context.Context, path string, fields Document) error {
	return s.write(ctx, path, true, true, fields)
}

func (s *SQLite) write(ctx context.Context, path string, merge, mustExist bool, fields Document) error {
	collection, id, err := docParts(path)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var base Document
	var body string
	err = tx.QueryRowContext(ctx, "SELECT body FROM documents WHERE path = ?", path).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if mustExist {
			return ErrNotFound
		}
	case err != nil:
		return fmt.Errorf("read %s: %w", path, err)
	case merge:
		if base, err = decodeBody(body); err != nil {
			return err
		}
	}

	now := s.now()
	data, err := applyFields(base, fields, now)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (path, collection, id, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		path, collection, id, string(encoded), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return tx.Commit()
}

func (s *SQLite) Add(ctx context.Context, collection string, doc Document) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	id := uuid.NewString()
	fields := copyDoc(doc)
	if _, ok := fields["createdAt"]; !ok {
		fields["createdAt"] = ServerTimestamp()
	}
	if err := s.Set(ctx, Join(collection, id), fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLite) Delete(ctx context.Context, path string) error {
	if _, _, err := docParts(path); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	prefix := path + "/"
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE path = ? OR substr(path, 1, ?) = ?",
		path, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *SQLite) Query(ctx context.Context, collection, orderBy string, dir Direction) ([]Snapshot, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, path, body FROM documents WHERE collection = ? ORDER BY seq", collection)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var snap Snapshot
		var body string
		if err := rows.Scan(&snap.ID, &snap.Path, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		if snap.Data, err = decodeBody(body); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	sortSnapshots(snaps, orderBy, dir)
	return snaps, nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLite) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func decodeBody(body string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("corrupt document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
