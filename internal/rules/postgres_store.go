package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PostgresStore persists rules in PostgreSQL. Conditions are stored as JSONB
// and decoded through DecodeConditions on read.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `id, name, description, rule_type, conditions, risk_score, action,
	is_active, priority, trigger_count, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Rule) error {
	cond, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fraud_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11)`,
		r.ID, r.Name, r.Description, string(r.Type), cond, r.RiskScore, string(r.Action),
		r.IsActive, r.Priority, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	r, err := scanRule(p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM fraud_rules WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Rule) error {
	cond, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE fraud_rules SET
			name = $2, description = $3, rule_type = $4, conditions = $5, risk_score = $6,
			action = $7, is_active = $8, priority = $9, updated_at = $10
		WHERE id = $1`,
		r.ID, r.Name, r.Description, string(r.Type), cond, r.RiskScore, string(r.Action),
		r.IsActive, r.Priority, r.UpdatedAt,
	)
	return checkAffected(result, err)
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE fraud_rules SET is_active = $2, updated_at = $3 WHERE id = $1`, id, active, now)
	return checkAffected(result, err)
}

func (p *PostgresStore) IncrementTriggerCount(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE fraud_rules SET trigger_count = trigger_count + 1 WHERE id = $1`, id)
	return checkAffected(result, err)
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Rule, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, "rule_type = $"+strconv.Itoa(len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}
	query := `SELECT ` + ruleColumns + ` FROM fraud_rules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority DESC, id ASC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return p.List(ctx, Filter{ActiveOnly: true})
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fraud_rules`).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (*Rule, error) {
	var (
		r      Rule
		typ    string
		action string
		cond   []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &typ, &cond, &r.RiskScore, &action,
		&r.IsActive, &r.Priority, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	r.Action = Action(action)
	if r.Conditions, err = DecodeConditions(r.Type, cond); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func checkAffected(result sql.Result, err error) error {
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
