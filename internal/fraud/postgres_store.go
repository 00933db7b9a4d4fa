package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/mbd888/fraudguard/internal/rules"
)

// PostgresStore persists scores in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scoreColumns = `id, order_id, user_id, total_score, risk_level, action, triggered_rules,
	breakdown, analysis, status, false_positive, degraded, degraded_reasons,
	reviewed_by, reviewed_at, review_notes, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Score) error {
	breakdown, err := json.Marshal(s.Breakdown)
	if err != nil {
		return err
	}
	analysis, err := json.Marshal(s.Analysis)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_scores (`+scoreColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		s.ID, s.OrderID, s.UserID, s.TotalScore, string(s.RiskLevel), string(s.Action),
		pq.Array(s.TriggeredRules), breakdown, analysis, string(s.Status), s.FalsePositive,
		s.Degraded, pq.Array(s.DegradedReasons), nullString(s.ReviewedBy), s.ReviewedAt,
		s.ReviewNotes, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Score, error) {
	s, err := scanScore(p.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM fraud_scores WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Score, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.OrderID != "" {
		args = append(args, filter.OrderID)
		where = append(where, "order_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		n := len(args)
		where = append(where, "(created_at, id) < ($"+strconv.Itoa(n-1)+", $"+strconv.Itoa(n)+")")
	}

	query := `SELECT ` + scoreColumns + ` FROM fraud_scores`
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

	var result []*Score
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// Resolve is a compare-and-set on status. When no row is updated a second
// query tells a missing score apart from a lost race.
func (p *PostgresStore) Resolve(ctx context.Context, id string, expected Status, upd ReviewUpdate) (*Score, error) {
	s, err := scanScore(p.db.QueryRowContext(ctx, `
		UPDATE fraud_scores SET
			status = $3, false_positive = $4, reviewed_by = $5, reviewed_at = $6,
			review_notes = $7, updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING `+scoreColumns,
		id, string(expected), string(upd.Status), upd.FalsePositive, nullString(upd.ReviewedBy),
		upd.ReviewedAt, upd.Notes,
	))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM fraud_scores WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, errStatusChanged
	}
	return s, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanScore(row scanner) (*Score, error) {
	var (
		s          Score
		riskLevel  string
		action     string
		status     string
		breakdown  []byte
		analysis   []byte
		reviewedBy sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.OrderID, &s.UserID, &s.TotalScore, &riskLevel, &action,
		pq.Array(&s.TriggeredRules), &breakdown, &analysis, &status, &s.FalsePositive,
		&s.Degraded, pq.Array(&s.DegradedReasons), &reviewedBy, &reviewedAt, &s.ReviewNotes,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.RiskLevel = RiskLevel(riskLevel)
	s.Action = rules.Action(action)
	s.Status = Status(status)
	s.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		s.ReviewedAt = &t
	}
	if err := json.Unmarshal(breakdown, &s.Breakdown); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(analysis, &s.Analysis); err != nil {
		return nil, err
	}
	if s.TriggeredRules == nil {
		s.TriggeredRules = []string{}
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
