package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	steps INTEGER NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id);

CREATE TABLE IF NOT EXISTS usage_denials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	denied_at INTEGER NOT NULL
);
`

// Totals summarizes a session's recorded usage.
type Totals struct {
	Records      int
	Steps        int
	InputTokens  int64
	OutputTokens int64
	Denials      int
}

// Ledger appends every recorded cost and denial to SQLite before delegating to
// the wrapped Meter.
type Ledger struct {
	db     *sql.DB
	next   Meter
	logger zerolog.Logger
}

// OpenLedger opens (or creates) the ledger database at path. ":memory:" keeps it in process.
func OpenLedger(path string, next Meter, logger zerolog.Logger) (*Ledger, error) {
	if next == nil {
		next = Unlimited{}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &Ledger{
		db:     db,
		next:   next,
		logger: logger.With().Str("component", "usage-ledger").Logger(),
	}, nil
}

// Authorize implements Meter. Denials are recorded.
func (l *Ledger) Authorize(ctx context.Context, sessionID string) (bool, error) {
	ok, err := l.next.Authorize(ctx, sessionID)
	if err != nil || ok {
		return ok, err
	}

	if _, err := l.db.ExecContext(ctx,
		"INSERT INTO usage_denials (session_id, denied_at) VALUES (?, ?)",
		sessionID, time.Now().UnixMilli(),
	); err != nil {
		l.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to record usage denial")
	}
	return false, nil
}

// Record implements Meter. The wrapped Meter is charged even when the insert
// fails so quotas keep counting.
func (l *Ledger) Record(ctx context.Context, sessionID string, cost Cost) error {
	steps := cost.Steps
	if steps <= 0 {
		steps = 1
	}

	var insertErr error
	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_records (session_id, steps, input_tokens, output_tokens, model, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, steps, cost.InputTokens, cost.OutputTokens, cost.Model, time.Now().UnixMilli(),
	); err != nil {
		insertErr = fmt.Errorf("failed to record usage: %w", err)
	}

	return errors.Join(insertErr, l.next.Record(ctx, sessionID, cost))
}

// Forget drops sessionID's in-memory counters in the wrapped Meter, if it keeps any.
// Recorded rows are kept.
func (l *Ledger) Forget(sessionID string) {
	if f, ok := l.next.(interface{ Forget(string) }); ok {
		f.Forget(sessionID)
	}
}

// Totals returns the recorded usage of sessionID.
func (l *Ledger) Totals(ctx context.Context, sessionID string) (Totals, error) {
	var t Totals
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(steps), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE session_id = ?`,
		sessionID,
	).Scan(&t.Records, &t.Steps, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query usage: %w", err)
	}

	if err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM usage_denials WHERE session_id = ?", sessionID,
	).Scan(&t.Denials); err != nil {
		return Totals{}, fmt.Errorf("failed to query denials: %w", err)
	}
	return t, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
