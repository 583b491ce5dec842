package sessionlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/telyx/turnguard/pkg/contract"
)

// SQLStore is a Postgres-backed Store, for deployments that run more than
// one orchestrator process against the same session population: a lock
// written by one process must be visible to every other process handling
// that session's next turn. It expects a session_locks table:
//
//	CREATE TABLE session_locks (
//	    session_id TEXT PRIMARY KEY,
//	    reason     TEXT NOT NULL,
//	    until      TIMESTAMPTZ
//	);
//
// until is nullable; a NULL row is an indefinite lock.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db as a Store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Lock upserts a denial record for sessionID, replacing any prior lock
// regardless of reason or expiry — the caller decides escalation policy,
// this layer just records the outcome.
func (s *SQLStore) Lock(ctx context.Context, sessionID string, reason contract.LockReason, until time.Time) error {
	var untilArg interface{}
	if !until.IsZero() {
		untilArg = until
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_locks (session_id, reason, until)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE
		SET reason = EXCLUDED.reason,
		    until = EXCLUDED.until
	`, sessionID, string(reason), untilArg)
	return err
}

// Check returns the active denial for sessionID, if any, deleting the row
// first if its window has already passed.
func (s *SQLStore) Check(ctx context.Context, sessionID string) (*Record, error) {
	var reason string
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT reason, until FROM session_locks WHERE session_id = $1
	`, sessionID).Scan(&reason, &until)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := Record{Reason: contract.LockReason(reason)}
	if until.Valid {
		rec.Until = until.Time
	}
	if rec.expired(time.Now()) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE session_id = $1`, sessionID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &rec, nil
}

// Unlock clears any lock on sessionID.
func (s *SQLStore) Unlock(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_locks WHERE session_id = $1`, sessionID)
	return err
}
