package attempts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// PostgresStore persists attempts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed attempt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const attemptColumns = `id, type, user_id, ip, user_agent, device_fingerprint, email, order_id,
	severity, blocked, block_reason, metadata, created_at`

func (p *PostgresStore) Append(ctx context.Context, a *Attempt) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, string(a.Type), a.UserID, a.IP, a.UserAgent, a.DeviceFingerprint, a.Email, a.OrderID,
		a.Severity, a.Blocked, a.BlockReason, meta, a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Attempt, error) {
	a, err := scanAttempt(p.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM fraud_attempts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// CountSince mirrors OriginOf: device attempts are counted by fingerprint,
// IP attempts only when no fingerprint was recorded.
func (p *PostgresStore) CountSince(ctx context.Context, typ Type, origin Origin, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM fraud_attempts
		WHERE type = $1 AND device_fingerprint = $2 AND created_at >= $3`
	if origin.Field == "ip" {
		query = `SELECT COUNT(*) FROM fraud_attempts
		WHERE type = $1 AND ip = $2 AND device_fingerprint = '' AND created_at >= $3`
	}
	var n int
	err := p.db.QueryRowContext(ctx, query, string(typ), origin.Value, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Attempt, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if filter.Type != "" {
		add("type = ?", string(filter.Type))
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.IP != "" {
		add("ip = ?", filter.IP)
	}
	if filter.DeviceFingerprint != "" {
		add("device_fingerprint = ?", filter.DeviceFingerprint)
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		n := len(args)
		where = append(where, "(created_at, id) < ($"+strconv.Itoa(n-1)+", $"+strconv.Itoa(n)+")")
	}

	query := `SELECT ` + attemptColumns + ` FROM fraud_attempts`
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

	var result []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var (
		a    Attempt
		typ  string
		meta []byte
	)
	err := row.Scan(&a.ID, &typ, &a.UserID, &a.IP, &a.UserAgent, &a.DeviceFingerprint, &a.Email,
		&a.OrderID, &a.Severity, &a.Blocked, &a.BlockReason, &meta, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	if len(meta) > 0 && string(meta) != "null" {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
