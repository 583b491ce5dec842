// Package sessionmap resolves the (businessID, channel, channelUserID) triple
// every inbound turn arrives with into a stable session ID, creating a new
// session on first contact. It is the single source of truth for "who is
// this conversation" across chat, WhatsApp, and email.
package sessionmap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telyx/turnguard/pkg/contract"
)

// Mapper resolves or creates the session for an inbound turn.
type Mapper interface {
	GetOrCreate(ctx context.Context, businessID string, channel contract.Channel, channelUserID string) (*contract.Session, error)
	Get(ctx context.Context, sessionID string) (*contract.Session, error)
}

func key(businessID string, channel contract.Channel, channelUserID string) string {
	return businessID + "|" + string(channel) + "|" + channelUserID
}

// MemoryMapper is an in-process Mapper, the default for tests and for a
// single-instance deployment. byKey enforces the one-session-per-identity
// invariant the same way internal/sessions.MemoryStore indexes sessions by
// their channel key.
type MemoryMapper struct {
	mu      sync.Mutex
	byKey   map[string]string
	byID    map[string]*contract.Session
}

// NewMemoryMapper returns an empty in-memory Mapper.
func NewMemoryMapper() *MemoryMapper {
	return &MemoryMapper{
		byKey: make(map[string]string),
		byID:  make(map[string]*contract.Session),
	}
}

// GetOrCreate returns the existing session for this identity or creates one.
// Concurrent calls for the same identity are serialized by the mutex so
// exactly one session is ever created per key.
func (m *MemoryMapper) GetOrCreate(ctx context.Context, businessID string, channel contract.Channel, channelUserID string) (*contract.Session, error) {
	k := key(businessID, channel, channelUserID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[k]; ok {
		if s, ok := m.byID[id]; ok {
			clone := *s
			return &clone, nil
		}
	}

	now := time.Now()
	s := &contract.Session{
		ID:            uuid.NewString(),
		BusinessID:    businessID,
		Channel:       channel,
		ChannelUserID: channelUserID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.byKey[k] = s.ID
	m.byID[s.ID] = s

	clone := *s
	return &clone, nil
}

// Get returns a session by ID.
func (m *MemoryMapper) Get(ctx context.Context, sessionID string) (*contract.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

// ErrNotFound indicates no session exists for the requested ID.
var ErrNotFound = errors.New("sessionmap: session not found")

// SQLMapper persists sessions through database/sql, relying on a unique
// constraint over (business_id, channel, channel_user_id) to make
// GetOrCreate race-safe across processes via an upsert-then-select, mirroring
// the ON CONFLICT lease pattern used for session locking.
type SQLMapper struct {
	db *sql.DB
}

// NewSQLMapper wraps db (lib/pq or modernc.org/sqlite) as a Mapper.
func NewSQLMapper(db *sql.DB) *SQLMapper {
	return &SQLMapper{db: db}
}

// GetOrCreate upserts a session row keyed by identity, returning the
// (possibly pre-existing) session ID.
func (m *SQLMapper) GetOrCreate(ctx context.Context, businessID string, channel contract.Channel, channelUserID string) (*contract.Session, error) {
	id := uuid.NewString()
	now := time.Now()

	var (
		gotID                       string
		gotBusinessID, gotChannel   string
		gotChannelUserID            string
		createdAt, updatedAt        time.Time
	)
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, business_id, channel, channel_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (business_id, channel, channel_user_id) DO UPDATE
		SET updated_at = sessions.updated_at
		RETURNING id, business_id, channel, channel_user_id, created_at, updated_at
	`, id, businessID, string(channel), channelUserID, now).
		Scan(&gotID, &gotBusinessID, &gotChannel, &gotChannelUserID, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("sessionmap: get-or-create: %w", err)
	}

	return &contract.Session{
		ID:            gotID,
		BusinessID:    gotBusinessID,
		Channel:       contract.Channel(gotChannel),
		ChannelUserID: gotChannelUserID,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

// Get loads a session by ID.
func (m *SQLMapper) Get(ctx context.Context, sessionID string) (*contract.Session, error) {
	var s contract.Session
	var channel string
	err := m.db.QueryRowContext(ctx, `
		SELECT id, business_id, channel, channel_user_id, created_at, updated_at
		FROM sessions WHERE id = $1
	`, sessionID).Scan(&s.ID, &s.BusinessID, &channel, &s.ChannelUserID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionmap: get: %w", err)
	}
	s.Channel = contract.Channel(channel)
	return &s, nil
}
