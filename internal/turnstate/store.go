// Package turnstate is the per-session State Store: it loads, mutates, and
// persists the contract.State tracking a conversation's active flow,
// verification posture, and extracted slots across turns.
package turnstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/telyx/turnguard/pkg/contract"
)

// ErrNotFound indicates no state exists yet for a session; callers should
// treat this as a fresh, idle state rather than an error condition.
var ErrNotFound = errors.New("turnstate: not found")

// FlowStatusIdle is the default flowStatus for a session with no active flow.
const FlowStatusIdle = "IDLE"

// Store reads and writes per-session turn state.
type Store interface {
	Get(ctx context.Context, sessionID string) (contract.State, error)
	Put(ctx context.Context, sessionID string, state contract.State) error
}

// idleState returns the zero-value state representing a fresh session.
func idleState() contract.State {
	return contract.State{
		FlowStatus: FlowStatusIdle,
		Verification: contract.Verification{
			Status: contract.VerificationNone,
		},
	}
}

// MemoryStore is an in-memory, TTL-expiring Store. TTL expiry uses the same
// "reset on access" semantics as internal/sessions.DedupeCache-adjacent TTL
// helpers: entries older than TTL are treated as absent and reset to idle.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	data  map[string]entry
}

type entry struct {
	state      contract.State
	updatedAt  time.Time
}

// NewMemoryStore builds a Store that expires state after ttl of inactivity.
// ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		data: make(map[string]entry),
	}
}

// Get returns the current state for sessionID, or a fresh idle state if none
// exists or the existing one has expired.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (contract.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[sessionID]
	if !ok {
		return idleState(), nil
	}
	if s.ttl > 0 && s.now().Sub(e.updatedAt) > s.ttl {
		delete(s.data, sessionID)
		return idleState(), nil
	}
	return e.state.Clone(), nil
}

// Put persists state for sessionID.
func (s *MemoryStore) Put(ctx context.Context, sessionID string, state contract.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionID] = entry{state: state.Clone(), updatedAt: s.now()}
	return nil
}

// SQLStore persists state as a JSON blob per session, the same
// serialize-the-whole-document approach the contract.State type is shaped
// for: a single read-modify-write per turn instead of a normalized schema.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db as a Store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Get loads and decodes the state JSON for sessionID.
func (s *SQLStore) Get(ctx context.Context, sessionID string) (contract.State, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM turn_state WHERE session_id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return idleState(), nil
	}
	if err != nil {
		return contract.State{}, fmt.Errorf("turnstate: get: %w", err)
	}
	var state contract.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return contract.State{}, fmt.Errorf("turnstate: decode: %w", err)
	}
	return state, nil
}

// Put upserts the state JSON for sessionID.
func (s *SQLStore) Put(ctx context.Context, sessionID string, state contract.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("turnstate: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turn_state (session_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, sessionID, raw, time.Now())
	if err != nil {
		return fmt.Errorf("turnstate: put: %w", err)
	}
	return nil
}
