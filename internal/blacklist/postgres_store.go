package blacklist

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// PostgresStore persists blacklist entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed blacklist store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, type, value, reason, severity, expires_at, is_active,
	hit_count, source, created_by, created_at, updated_at`

// Add upserts on (type, value). The CASE arms mirror Entry.merge: a live
// row keeps the stronger severity and later expiry and, against an
// automatic upsert, its provenance. A dead row is replaced.
// $12 is "now", used to decide liveness.
func (p *PostgresStore) Add(ctx context.Context, e *Entry) (*Entry, error) {
	return scanEntry(p.db.QueryRowContext(ctx, `
		INSERT INTO blacklist_entries (
			id, type, value, reason, severity, severity_rank, expires_at,
			is_active, hit_count, source, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, 0, $8, $9, $10, $11)
		ON CONFLICT (type, value) DO UPDATE SET
			severity = CASE
				WHEN blacklist_entries.is_active
				     AND (blacklist_entries.expires_at IS NULL OR blacklist_entries.expires_at > $12)
				     AND blacklist_entries.severity_rank >= EXCLUDED.severity_rank
				THEN blacklist_entries.severity ELSE EXCLUDED.severity END,
			severity_rank = CASE
				WHEN blacklist_entries.is_active
				     AND (blacklist_entries.expires_at IS NULL OR blacklist_entries.expires_at > $12)
				THEN GREATEST(blacklist_entries.severity_rank, EXCLUDED.severity_rank)
				ELSE EXCLUDED.severity_rank END,
			expires_at = CASE
				WHEN blacklist_entries.is_active
				     AND (blacklist_entries.expires_at IS NULL OR blacklist_entries.expires_at > $12)
				THEN CASE
					WHEN blacklist_entries.expires_at IS NULL OR EXCLUDED.expires_at IS NULL THEN NULL
					ELSE GREATEST(blacklist_entries.expires_at, EXCLUDED.expires_at) END
				ELSE EXCLUDED.expires_at END,
			reason = CASE
				WHEN blacklist_entries.is_active
				     AND (blacklist_entries.expires_at IS NULL OR blacklist_entries.expires_at > $12)
				     AND EXCLUDED.source = 'auto'
				THEN blacklist_entries.reason ELSE EXCLUDED.reason END,
			source = CASE
				WHEN blacklist_entries.is_active
				     AND (blacklist_entries.expires_at IS NULL OR blacklist_entries.expires_at > $12)
				     AND EXCLUDED.source = 'auto'
				THEN blacklist_entries.source ELSE EXCLUDED.source END,
			created_by = CASE
				WHEN blacklist_entries.is_active
				     AND (blacklist_entries.expires_at IS NULL OR blacklist_entries.expires_at > $12)
				     AND EXCLUDED.source = 'auto'
				THEN blacklist_entries.created_by ELSE EXCLUDED.created_by END,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+entryColumns,
		e.ID, string(e.Type), e.Value, e.Reason, string(e.Severity), e.Severity.Rank(), e.ExpiresAt,
		string(e.Source), nullString(e.CreatedBy), e.CreatedAt, e.UpdatedAt,
		e.UpdatedAt,
	))
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM blacklist_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// Lookup matches and increments in one statement; the row lock taken by
// UPDATE serializes concurrent hits on the same entry.
func (p *PostgresStore) Lookup(ctx context.Context, t Type, value string, now time.Time) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		UPDATE blacklist_entries SET hit_count = hit_count + 1
		WHERE type = $1 AND value = $2 AND is_active
		  AND (expires_at IS NULL OR expires_at > $3)
		RETURNING `+entryColumns,
		string(t), value, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) Deactivate(ctx context.Context, id string, now time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE blacklist_entries SET is_active = FALSE, updated_at = $2
		WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, "type = $1")
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}

	query := `SELECT ` + entryColumns + ` FROM blacklist_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE blacklist_entries SET is_active = FALSE, updated_at = $1
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e         Entry
		typ       string
		severity  string
		source    string
		expiresAt sql.NullTime
		createdBy sql.NullString
	)
	err := row.Scan(&e.ID, &typ, &e.Value, &e.Reason, &severity, &expiresAt, &e.IsActive,
		&e.HitCount, &source, &createdBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = Type(typ)
	e.Severity = Severity(severity)
	e.Source = Source(source)
	e.CreatedBy = createdBy.String
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
