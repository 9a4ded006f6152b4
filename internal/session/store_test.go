// ABOUTME: Tests for the SQLite session store and save-lane ordering
// ABOUTME: Covers create-on-save, call-order wins, reload, list, reset, delete

package session

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willcshanahan/turngate/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveCreatesEntryOnFirstUse(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get("sess-a")
	assert.False(t, ok)

	entry, err := s.Save(t.Context(), "sess-a", func(e *Entry) {
		e.Model = "opus"
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-a", entry.SessionKey)
	assert.NotEmpty(t, entry.SessionID, "a transcript handle is assigned on creation")
	assert.Equal(t, "opus", entry.Model)

	got, ok := s.Get("sess-a")
	require.True(t, ok)
	assert.Equal(t, entry.SessionID, got.SessionID)
}

func TestStore_UpdatedAtIsMonotonic(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Save(t.Context(), "sess-a", func(e *Entry) {})
	require.NoError(t, err)

	second, err := s.Save(t.Context(), "sess-a", func(e *Entry) {
		// A mutator that writes a stale timestamp must not move time backwards.
		e.UpdatedAt = time.Now().Add(-time.Hour)
	})
	require.NoError(t, err)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestStore_MutatorSeesEarlierSaves(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(t.Context(), "sess-a", func(e *Entry) {
		e.Usage.Add(event.Usage{InputTokens: 10})
	})
	require.NoError(t, err)
	entry, err := s.Save(t.Context(), "sess-a", func(e *Entry) {
		e.Usage.Add(event.Usage{InputTokens: 5})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), entry.Usage.InputTokens)
}

func TestStore_ConcurrentSavesDoNotLoseUpdates(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			_, err := s.Save(t.Context(), "sess-a", func(e *Entry) {
				e.Usage.OutputTokens++
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	entry, ok := s.Get("sess-a")
	require.True(t, ok)
	assert.Equal(t, int64(20), entry.Usage.OutputTokens)
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := NewStore(path, nil)
	require.NoError(t, err)
	_, err = s.Save(t.Context(), "sess-a", func(e *Entry) {
		e.Model = "sonnet"
		e.LastProvider = "discord"
		e.Usage.InputTokens = 42
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok := reopened.Get("sess-a")
	require.True(t, ok)
	assert.Equal(t, "sonnet", entry.Model)
	assert.Equal(t, "discord", entry.LastProvider)
	assert.Equal(t, int64(42), entry.Usage.InputTokens)
}

func TestStore_ListOrdersByRecency(t *testing.T) {
	s := newTestStore(t)

	for _, key := range []string{"sess-1", "sess-2", "sess-3"} {
		_, err := s.Save(t.Context(), key, func(e *Entry) {})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	entries := s.List(2, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, "sess-3", entries[0].SessionKey)
	assert.Equal(t, "sess-2", entries[1].SessionKey)

	rest := s.List(0, 2)
	require.Len(t, rest, 1)
	assert.Equal(t, "sess-1", rest[0].SessionKey)
}

func TestStore_ResetRotatesSessionID(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Save(t.Context(), "sess-a", func(e *Entry) {
		e.Model = "claude-x"
		e.ThinkingLevel = "high"
		e.TranscriptOverride = "forked-transcript"
		e.Usage = event.Usage{InputTokens: 100, OutputTokens: 25}
	})
	require.NoError(t, err)

	reset, err := s.Reset(t.Context(), "sess-a")
	require.NoError(t, err)
	assert.NotEqual(t, entry.SessionID, reset.SessionID, "reset mints a fresh transcript handle")
	assert.Empty(t, reset.TranscriptOverride)

	// Settings and usage counters survive a reset.
	assert.Equal(t, "claude-x", reset.Model)
	assert.Equal(t, "high", reset.ThinkingLevel)
	assert.Equal(t, int64(100), reset.Usage.InputTokens)
}

func TestStore_ResetUnknownSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Reset(t.Context(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(t.Context(), "sess-a", func(e *Entry) {})
	require.NoError(t, err)
	require.NoError(t, s.Delete(t.Context(), "sess-a"))

	_, ok := s.Get("sess-a")
	assert.False(t, ok)

	assert.ErrorIs(t, s.Delete(t.Context(), "sess-a"), ErrNotFound)
}
