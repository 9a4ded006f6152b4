// ABOUTME: SQLite-backed session store with an in-memory cache and per-key save lanes
// ABOUTME: Save applies mutations in call order so the last call issued wins on disk

package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists SessionEntry records and the append-only transcript log.
// Reads are served from an in-memory cache loaded at startup; every Save is a
// read-modify-write applied under a per-session-key lane so concurrent saves
// for one key land in call order without serializing unrelated sessions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Entry
	lanes map[string]*sync.Mutex
}

// NewStore opens (or creates) the session database at path. Parent
// directories are created if needed; the schema is created automatically.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		cache:  make(map[string]*Entry),
		lanes:  make(map[string]*sync.Mutex),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("loading sessions: %w", err)
	}

	logger.Info("session store initialized", "path", path, "sessions", len(s.cache))
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_provider TEXT NOT NULL DEFAULT '',
			last_destination TEXT NOT NULL DEFAULT '',
			thinking_level TEXT NOT NULL DEFAULT '',
			verbose_level TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			send_policy TEXT NOT NULL DEFAULT '',
			transcript_override TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS transcript_messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transcript_session
			ON transcript_messages(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadAll() error {
	rows, err := s.db.Query(`
		SELECT session_key, session_id, updated_at, last_provider, last_destination,
			thinking_level, verbose_level, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			send_policy, transcript_override
		FROM sessions`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var updatedAt string
		if err := rows.Scan(&e.SessionKey, &e.SessionID, &updatedAt,
			&e.LastProvider, &e.LastDestination, &e.ThinkingLevel, &e.VerboseLevel,
			&e.Model, &e.Usage.InputTokens, &e.Usage.OutputTokens,
			&e.Usage.CacheReadTokens, &e.Usage.CacheWriteTokens,
			&e.SendPolicy, &e.TranscriptOverride); err != nil {
			return err
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			e.UpdatedAt = t
		}
		s.cache[e.SessionKey] = &e
	}
	return rows.Err()
}

// Get returns a copy of the entry for a session key.
func (s *Store) Get(sessionKey string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.cache[sessionKey]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns entries ordered by most recently updated.
func (s *Store) List(limit, offset int) []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.cache))
	for _, e := range s.cache {
		entries = append(entries, *e)
	}
	s.mu.RUnlock()

	// Most recently updated first.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].UpdatedAt.After(entries[j-1].UpdatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

// Save applies mutate to the session's entry (creating it on first use) and
// persists the result before returning. Saves for one key are applied and
// written strictly in call order; the entry handed to the mutator already
// reflects every earlier call, so the last call issued determines the final
// persisted state. The in-memory entry is authoritative: a failed disk write
// is logged and returned but does not roll back the mutation.
func (s *Store) Save(ctx context.Context, sessionKey string, mutate func(*Entry)) (Entry, error) {
	lane := s.lane(sessionKey)
	lane.Lock()
	defer lane.Unlock()

	s.mu.Lock()
	e, ok := s.cache[sessionKey]
	if !ok {
		e = &Entry{
			SessionKey: sessionKey,
			SessionID:  uuid.New().String(),
		}
		s.cache[sessionKey] = e
	}
	mutate(e)
	if now := time.Now(); now.After(e.UpdatedAt) {
		e.UpdatedAt = now
	}
	snapshot := *e
	s.mu.Unlock()

	if err := s.write(ctx, &snapshot); err != nil {
		s.logger.Error("session save failed", "session_key", sessionKey, "error", err)
		return snapshot, fmt.Errorf("persisting session %s: %w", sessionKey, err)
	}
	return snapshot, nil
}

// Reset rotates the session's transcript handle. Stored messages stay in
// place under the old handle; history reads start empty. Usage counters and
// routing survive the reset.
func (s *Store) Reset(ctx context.Context, sessionKey string) (Entry, error) {
	if _, ok := s.Get(sessionKey); !ok {
		return Entry{}, ErrNotFound
	}
	return s.Save(ctx, sessionKey, func(e *Entry) {
		e.SessionID = uuid.New().String()
		e.TranscriptOverride = ""
	})
}

// Delete removes a session entry. The transcript is left in place; it is
// keyed by session id and unreachable once the entry is gone.
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	lane := s.lane(sessionKey)
	lane.Lock()
	defer lane.Unlock()

	s.mu.Lock()
	_, ok := s.cache[sessionKey]
	delete(s.cache, sessionKey)
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionKey, err)
	}
	return nil
}

func (s *Store) lane(sessionKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lane, ok := s.lanes[sessionKey]
	if !ok {
		lane = &sync.Mutex{}
		s.lanes[sessionKey] = lane
	}
	return lane
}

func (s *Store) write(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_key, session_id, updated_at, last_provider, last_destination,
			thinking_level, verbose_level, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			send_policy, transcript_override
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at,
			last_provider = excluded.last_provider,
			last_destination = excluded.last_destination,
			thinking_level = excluded.thinking_level,
			verbose_level = excluded.verbose_level,
			model = excluded.model,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_write_tokens = excluded.cache_write_tokens,
			send_policy = excluded.send_policy,
			transcript_override = excluded.transcript_override`,
		e.SessionKey, e.SessionID, e.UpdatedAt.Format(time.RFC3339Nano),
		e.LastProvider, e.LastDestination, e.ThinkingLevel, e.VerboseLevel,
		e.Model, e.Usage.InputTokens, e.Usage.OutputTokens,
		e.Usage.CacheReadTokens, e.Usage.CacheWriteTokens,
		e.SendPolicy, e.TranscriptOverride)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
