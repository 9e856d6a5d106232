// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package docstore is a small document database: JSON documents addressed by
// slash-separated paths, grouped into ordered sub-collections.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidPath is returned for malformed document or collection paths.
	ErrInvalidPath = errors.New("invalid document path")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("document store closed")
)

// =============================================================================
// TYPES
// =============================================================================

// Document is a JSON object. Values read back from a store are JSON-decoded,
// so numbers are float64 and timestamps are RFC 3339 strings.
type Document map[string]any

// Snapshot is a document together with its location.
type Snapshot struct {
	ID   string
	Path string
	Data Document
}

// Direction orders query results.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Store is the persistence collaborator. Paths alternate collection and
// document ids: "sessions/abc" is a document, "sessions/abc/messages" a
// collection.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)

	// Set replaces the document at path, creating it if needed.
	Set(ctx context.Context, path string, doc Document) error

	// Merge writes fields into the document at path, creating it if needed.
	// Fields not named are left untouched.
	Merge(ctx context.Context, path string, fields Document) error

	// Update merges fields into an existing document; ErrNotFound otherwise.
	Update(ctx context.Context, path string, fields Document) error

	// Add appends a document with a generated id to collection and returns
	// the id. A "createdAt" server timestamp is set when absent.
	Add(ctx context.Context, collection string, doc Document) (string, error)

	// Delete removes the document and everything nested under it.
	Delete(ctx context.Context, path string) error

	// Query lists the documents of collection ordered by field, with
	// insertion order breaking ties. An empty field keeps insertion order.
	Query(ctx context.Context, collection, orderBy string, dir Direction) ([]Snapshot, error)

	Close() error
}

// =============================================================================
// FIELD SENTINELS
// =============================================================================

type incrementValue struct{ by float64 }

type serverTimestampValue struct{}

// Increment adds n to a numeric field, treating a missing field as zero.
func Increment(n float64) any {
	return incrementValue{by: n}
}

// ServerTimestamp is replaced by the store's clock at write time.
func ServerTimestamp() any {
	return serverTimestampValue{}
}

// applyFields merges fields into base, resolving sentinels, and returns the
// JSON-normalised result. base is not modified.
func applyFields(base, fields Document, now time.Time) (Document, error) {
	out := make(Document, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		switch s := v.(type) {
		case incrementValue:
			out[k] = FloatValue(out[k]) + s.by
		case serverTimestampValue:
			out[k] = now.UTC()
		default:
			out[k] = v
		}
	}
	return normalize(out)
}

// normalize round-trips doc through JSON so every backend hands back the same
// value types.
func normalize(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}

// =============================================================================
// PATHS
// =============================================================================

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return parts, nil
}

// docParts validates a document path and returns its collection and id.
func docParts(path string) (collection, id string, err error) {
	parts, err := splitPath(path)
	if err != nil {
		return "", "", err
	}
	if len(parts)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is a collection", ErrInvalidPath, path)
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

func checkCollection(path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(parts)%2 != 1 {
		return fmt.Errorf("%w: %q is a document", ErrInvalidPath, path)
	}
	return nil
}

// =============================================================================
// ORDERING
// =============================================================================

// sortSnapshots orders snaps by field. snaps must already be in insertion
// order; the sort is stable so insertion order breaks ties.
func sortSnapshots(snaps []Snapshot, field string, dir Direction) {
	if field == "" {
		if dir == Descending {
			for i, j := 0, len(snaps)-1; i < j; i, j = i+1, j-1 {
				snaps[i], snaps[j] = snaps[j], snaps[i]
			}
		}
		return
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		c := compareValues(snaps[i].Data[field], snaps[j].Data[field])
		if dir == Descending {
			return c > 0
		}
		return c < 0
	})
}

// compareValues orders missing values first, then numbers, then timestamps
// and strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		fa, fb := a.(float64), b.(float64)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		sa, sb := a.(string), b.(string)
		ta, errA := time.Parse(time.RFC3339Nano, sa)
		tb, errB := time.Parse(time.RFC3339Nano, sb)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
		return strings.Compare(sa, sb)
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	}
	return 3
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

// StringValue returns v as a string, or "" when it is not one.
func StringValue(v any) string {
	s, _ := v.(string)
	return s
}

// FloatValue returns v as a float64, or 0 when it is not numeric.
func FloatValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// OptionalFloat returns a pointer to v's numeric value, or nil when v is
// absent or not a number.
func OptionalFloat(v any) *float64 {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		f := FloatValue(v)
		return &f
	}
	return nil
}

// BoolValue returns v as a bool, or false.
func BoolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

// TimeValue interprets a stored timestamp: RFC 3339 strings, Unix seconds,
// or time.Time. Anything else yields fallback.
func TimeValue(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	case float64:
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC()
	}
	return fallback
}
