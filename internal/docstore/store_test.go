// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package docstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn against every Store implementation with a fixed clock.
func backends(t *testing.T, fn func(t *testing.T, s Store, tick func())) {
	t.Run("memory", func(t *testing.T) {
		m := NewMemory()
		clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return clock }
		fn(t, m, func() { clock = clock.Add(time.Second) })
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return clock }
		fn(t, s, func() { clock = clock.Add(time.Second) })
	})
}

func TestStore_SetGet(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()

		_, err := s.Get(ctx, "sessions/a")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Set(ctx, "sessions/a", Document{"title": "x", "count": 2}))
		doc, err := s.Get(ctx, "sessions/a")
		require.NoError(t, err)
		assert.Equal(t, "x", doc["title"])
		assert.Equal(t, float64(2), doc["count"])

		require.NoError(t, s.Set(ctx, "sessions/a", Document{"other": true}))
		doc, err = s.Get(ctx, "sessions/a")
		require.NoError(t, err)
		assert.Equal(t, Document{"other": true}, doc)
	})
}

func TestStore_MergeAndUpdate(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()

		err := s.Update(ctx, "sessions/a", Document{"title": "x"})
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Merge(ctx, "sessions/a", Document{"title": "x"}))
		require.NoError(t, s.Merge(ctx, "sessions/a", Document{"userId": "u"}))
		require.NoError(t, s.Update(ctx, "sessions/a", Document{"title": "y"}))

		doc, err := s.Get(ctx, "sessions/a")
		require.NoError(t, err)
		assert.Equal(t, Document{"title": "y", "userId": "u"}, doc)
	})
}

func TestStore_Sentinels(t *testing.T) {
	backends(t, func(t *testing.T, s Store, tick func()) {
		ctx := context.Background()

		require.NoError(t, s.Merge(ctx, "sessions/a", Document{
			"messageCount": Increment(1),
			"updatedAt":    ServerTimestamp(),
		}))
		tick()
		require.NoError(t, s.Merge(ctx, "sessions/a", Document{
			"messageCount": Increment(1),
			"updatedAt":    ServerTimestamp(),
		}))

		doc, err := s.Get(ctx, "sessions/a")
		require.NoError(t, err)
		assert.Equal(t, float64(2), doc["messageCount"])
		assert.Equal(t,
			time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC),
			TimeValue(doc["updatedAt"], time.Time{}).UTC())
	})
}

func TestStore_AddAndQuery(t *testing.T) {
	backends(t, func(t *testing.T, s Store, tick func()) {
		ctx := context.Background()
		coll := "sessions/a/messages"

		var ids []string
		for _, text := range []string{"first", "second", "third"} {
			id, err := s.Add(ctx, coll, Document{"content": text, "timestamp": ServerTimestamp()})
			require.NoError(t, err)
			ids = append(ids, id)
			tick()
		}

		snaps, err := s.Query(ctx, coll, "timestamp", Ascending)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		for i, snap := range snaps {
			assert.Equal(t, ids[i], snap.ID)
			assert.Equal(t, coll+"/"+ids[i], snap.Path)
			assert.Contains(t, snap.Data, "createdAt")
		}
		assert.Equal(t, "first", snaps[0].Data["content"])

		snaps, err = s.Query(ctx, coll, "timestamp", Descending)
		require.NoError(t, err)
		assert.Equal(t, "third", snaps[0].Data["content"])

		// Documents of other collections are not listed.
		require.NoError(t, s.Set(ctx, "sessions/b/messages/x", Document{"content": "elsewhere"}))
		snaps, err = s.Query(ctx, coll, "", Ascending)
		require.NoError(t, err)
		assert.Len(t, snaps, 3)
	})
}

func TestStore_QueryTiesKeepInsertionOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.Set(ctx, "events/"+id, Document{"timestamp": 1.0}))
		}
		snaps, err := s.Query(ctx, "events", "timestamp", Ascending)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{snaps[0].ID, snaps[1].ID, snaps[2].ID})
	})
}

func TestStore_QueryNumericOrder(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "events/a", Document{"timestamp": 10.0}))
		require.NoError(t, s.Set(ctx, "events/b", Document{"timestamp": 2.0}))
		require.NoError(t, s.Set(ctx, "events/c", Document{}))

		snaps, err := s.Query(ctx, "events", "timestamp", Ascending)
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		assert.Equal(t, "c", snaps[0].ID, "missing field sorts first")
		assert.Equal(t, "b", snaps[1].ID)
		assert.Equal(t, "a", snaps[2].ID)
	})
}

func TestStore_DeleteCascades(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "sessions/a", Document{"title": "a"}))
		require.NoError(t, s.Set(ctx, "sessions/a/messages/1", Document{"content": "x"}))
		require.NoError(t, s.Set(ctx, "sessions/ab", Document{"title": "ab"}))

		require.NoError(t, s.Delete(ctx, "sessions/a"))

		_, err := s.Get(ctx, "sessions/a")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "sessions/a/messages/1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "sessions/ab")
		assert.NoError(t, err, "sibling with a shared prefix survives")

		assert.NoError(t, s.Delete(ctx, "sessions/missing"))
	})
}

func TestStore_InvalidPaths(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()
		_, err := s.Get(ctx, "sessions")
		assert.ErrorIs(t, err, ErrInvalidPath)
		assert.ErrorIs(t, s.Set(ctx, "sessions//a", Document{}), ErrInvalidPath)
		_, err = s.Add(ctx, "sessions/a", Document{})
		assert.ErrorIs(t, err, ErrInvalidPath)
		_, err = s.Query(ctx, "", "", Ascending)
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestStore_Closed(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		require.NoError(t, s.Close())
		_, err := s.Get(context.Background(), "sessions/a")
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	backends(t, func(t *testing.T, s Store, _ func()) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Merge(ctx, "sessions/a", Document{"messageCount": Increment(1)}))
			}()
		}
		wg.Wait()

		doc, err := s.Get(ctx, "sessions/a")
		require.NoError(t, err)
		assert.Equal(t, float64(20), doc["messageCount"])
	})
}

func TestSQLite_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), "sessions/a", Document{"title": "kept"}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	doc, err := s.Get(context.Background(), "sessions/a")
	require.NoError(t, err)
	assert.Equal(t, "kept", doc["title"])
}

func TestOpen(t *testing.T) {
	s, err := Open(DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open("postgres", "")
	assert.Error(t, err)
}

func TestValueHelpers(t *testing.T) {
	fallback := time.Unix(5, 0)
	assert.Equal(t, time.Unix(1700000000, 500000000).UTC(), TimeValue(1700000000.5, fallback))
	assert.Equal(t, fallback, TimeValue("garbage", fallback))
	assert.Equal(t, fallback, TimeValue(nil, fallback))

	assert.Nil(t, OptionalFloat(nil))
	assert.Nil(t, OptionalFloat("1"))
	if f := OptionalFloat(2.5); assert.NotNil(t, f) {
		assert.Equal(t, 2.5, *f)
	}
	assert.Equal(t, float64(3), FloatValue(3))
	assert.Equal(t, "", StringValue(3))
	assert.True(t, BoolValue(true))
}
