// ABOUTME: Append-only transcript log and windowed history retrieval
// ABOUTME: History applies a count cap and a serialized-byte cap together

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HistoryCaps bounds what a single chat.history call returns.
type HistoryCaps struct {
	DefaultLimit int // window when the caller gives no limit
	MaxLimit     int // ceiling on caller-specified limits
	MaxBytes     int // serialized-byte budget for the returned window
}

// DefaultHistoryCaps match the protocol defaults: 200 messages, limit capped
// at 1000, 6 MiB serialized.
func DefaultHistoryCaps() HistoryCaps {
	return HistoryCaps{DefaultLimit: 200, MaxLimit: 1000, MaxBytes: 6 << 20}
}

// AppendMessage appends one message to a transcript. The caller supplies the
// transcript's session id, not the session key.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = sessionID

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_messages (message_id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, msg.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("appending transcript message: %w", err)
	}
	return nil
}

// ReadTranscript returns the most recent limit messages of a transcript in
// chronological order.
func (s *Store) ReadTranscript(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, role, content, created_at
		FROM transcript_messages
		WHERE session_id = ?
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	defer rows.Close()

	var newestFirst []*Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		newestFirst = append(newestFirst, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// History returns the session's transcript window. limit <= 0 selects the
// default window; caller limits are clamped to the configured maximum. After
// the count cap, the byte cap trims further from the oldest end so the
// serialized window stays within budget. A session with a transcript override
// reads from the override instead of the canonical transcript.
func (s *Store) History(ctx context.Context, sessionKey string, limit int, caps HistoryCaps) (*HistoryResult, error) {
	entry, ok := s.Get(sessionKey)
	if !ok {
		return &HistoryResult{}, nil
	}

	if limit <= 0 {
		limit = caps.DefaultLimit
	}
	if limit > caps.MaxLimit {
		limit = caps.MaxLimit
	}

	messages, err := s.ReadTranscript(ctx, entry.TranscriptID(), limit)
	if err != nil {
		return nil, err
	}
	messages = trimToByteBudget(messages, caps.MaxBytes)

	return &HistoryResult{
		SessionID:     entry.SessionID,
		Messages:      messages,
		ThinkingLevel: entry.ThinkingLevel,
	}, nil
}

// trimToByteBudget drops messages from the oldest end until the serialized
// window fits within maxBytes. Messages are chronological (oldest first).
func trimToByteBudget(messages []*Message, maxBytes int) []*Message {
	if maxBytes <= 0 {
		return messages
	}

	total := 0
	// Walk newest to oldest so the freshest messages survive.
	cut := 0
	for i := len(messages) - 1; i >= 0; i-- {
		data, err := json.Marshal(messages[i])
		if err != nil {
			continue
		}
		if total+len(data) > maxBytes {
			cut = i + 1
			break
		}
		total += len(data)
	}
	return messages[cut:]
}
