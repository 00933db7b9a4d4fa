package velocity

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresTracker keeps one row per subject in velocity_windows. The upsert
// takes the row lock, so rollover and increment are serialized per subject.
type PostgresTracker struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresTracker creates a PostgreSQL-backed tracker.
func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (p *PostgresTracker) WithClock(now func() time.Time) *PostgresTracker {
	p.now = now
	return p
}

func (p *PostgresTracker) CheckAndIncrement(ctx context.Context, s Subject, limit int64) (Result, error) {
	s = s.withDefaults()
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	now := p.now()

	// Inside DO UPDATE every unqualified reference to velocity_windows is
	// the pre-update row, so all three CASEs see the same old window_end.
	var (
		count int64
		start time.Time
	)
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO velocity_windows (
			identifier, identifier_type, action, window_ms, count, window_start, window_end
		) VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (identifier, identifier_type, action, window_ms) DO UPDATE SET
			count = CASE WHEN velocity_windows.window_end <= EXCLUDED.window_start
				THEN 1 ELSE velocity_windows.count + 1 END,
			window_start = CASE WHEN velocity_windows.window_end <= EXCLUDED.window_start
				THEN EXCLUDED.window_start ELSE velocity_windows.window_start END,
			window_end = CASE WHEN velocity_windows.window_end <= EXCLUDED.window_start
				THEN EXCLUDED.window_end ELSE velocity_windows.window_end END
		RETURNING count, window_start`,
		s.Identifier, s.IdentifierType, s.Action, s.Size.Milliseconds(), now, now.Add(s.Size),
	).Scan(&count, &start)
	if err != nil {
		return Result{}, fmt.Errorf("velocity increment: %w", err)
	}
	return newResult(s, count, start, limit), nil
}

func (p *PostgresTracker) Stats(ctx context.Context, identifier, identifierType string) ([]Window, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT action, window_ms, count, window_start, window_end
		FROM velocity_windows
		WHERE identifier = $1 AND identifier_type = $2 AND window_end > $3
		ORDER BY action, window_ms`,
		identifier, identifierType, p.now())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Window
	for rows.Next() {
		var (
			w        Window
			windowMS int64
		)
		if err := rows.Scan(&w.Action, &windowMS, &w.Count, &w.Start, &w.End); err != nil {
			return nil, err
		}
		w.Identifier = identifier
		w.IdentifierType = identifierType
		w.Size = time.Duration(windowMS) * time.Millisecond
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresTracker) Purge(ctx context.Context, before time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM velocity_windows WHERE window_end < $1`, before)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
