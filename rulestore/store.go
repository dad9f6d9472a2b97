// Package rulestore persists the policy model: rules, variables,
// instances, groups, tags, plugins, baselines, the drift log, and
// deployment records. Writes serialize through a single store-level lock
// and run inside one transaction each; readers obtain point-in-time
// snapshots for read-stable evaluation.
package rulestore

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the relational rule store.
type Store struct {
	db *sqlx.DB

	// Writers serialize on mu so multi-row edits are never interleaved.
	mu sync.Mutex
}

// Open connects to the database at dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to rule store")
	}
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating rule store")
	}
	log.G(ctx).Info("rule store ready")
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; migrations are the caller's
// responsibility. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.System(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.System(err)
	}
	return nil
}

// PutRule inserts a rule and returns its id. The value must parse into the
// declared type; scope and selector must be coherent.
func (s *Store) PutRule(ctx context.Context, r types.Rule) (int64, error) {
	if !r.Scope.Valid() {
		return 0, errdefs.InvalidParameter(errors.Errorf("unknown scope %q", r.Scope))
	}
	if r.Scope != types.ScopeGlobal && r.Selector == "" {
		return 0, errdefs.InvalidParameter(errors.Errorf("scope %s requires a selector", r.Scope))
	}
	if r.Scope == types.ScopeGlobal && r.Selector != "" {
		return 0, errdefs.InvalidParameter(errors.New("GLOBAL rules take no selector"))
	}
	if r.Target.File == "" || r.Target.Key == "" {
		return 0, errdefs.InvalidParameter(errors.New("rule target needs file and key"))
	}
	if _, err := types.CoerceValue(r.Value, r.ValueType); err != nil {
		return 0, errdefs.InvalidParameter(errors.Wrapf(err, "rule value %q does not parse as %s", r.Value, r.ValueType))
	}
	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO config_rules
				(scope, selector, config_type, plugin, file, key, value, value_type, security_sensitive, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			r.Scope, r.Selector, r.Target.ConfigType, r.Target.Plugin, r.Target.File,
			r.Target.Key, r.Value, r.ValueType, r.SecuritySensitive, true,
		).Scan(&id)
	})
	return id, err
}

// DeactivateRule marks a rule inactive; rules are never deleted.
func (s *Store) DeactivateRule(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE config_rules SET active = FALSE, updated_at = now() WHERE id = $1`, id)
		if err != nil {
			return errdefs.System(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound(errors.Errorf("rule %d not found", id))
		}
		return nil
	})
}

// RuleFilter narrows GetRules.
type RuleFilter struct {
	Scope      types.Scope
	Selector   string
	Plugin     string
	File       string
	ActiveOnly bool
}

type ruleRecord struct {
	ID                int64           `db:"id"`
	Scope             types.Scope     `db:"scope"`
	Selector          string          `db:"selector"`
	ConfigType        string          `db:"config_type"`
	Plugin            string          `db:"plugin"`
	File              string          `db:"file"`
	Key               string          `db:"key"`
	Value             string          `db:"value"`
	ValueType         types.ValueType `db:"value_type"`
	SecuritySensitive bool            `db:"security_sensitive"`
	Active            bool            `db:"active"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r ruleRecord) toRule() types.Rule {
	return types.Rule{
		ID:       r.ID,
		Scope:    r.Scope,
		Selector: r.Selector,
		Target: types.Target{
			ConfigType: types.ConfigType(r.ConfigType),
			Plugin:     r.Plugin,
			File:       r.File,
			Key:        r.Key,
		},
		Value:             r.Value,
		ValueType:         r.ValueType,
		SecuritySensitive: r.SecuritySensitive,
		Active:            r.Active,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// GetRules lists rules matching the filter, newest first.
func (s *Store) GetRules(ctx context.Context, f RuleFilter) ([]types.Rule, error) {
	q := `SELECT id, scope, selector, config_type, plugin, file, key, value, value_type,
			security_sensitive, active, created_at, updated_at
		FROM config_rules WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		q += " AND " + cond + s.placeholder(len(args))
	}
	if f.Scope != "" {
		add("scope = ", string(f.Scope))
	}
	if f.Selector != "" {
		add("selector = ", f.Selector)
	}
	if f.Plugin != "" {
		add("plugin = ", f.Plugin)
	}
	if f.File != "" {
		add("file = ", f.File)
	}
	if f.ActiveOnly {
		q += " AND active"
	}
	q += " ORDER BY updated_at DESC, id DESC"

	var recs []ruleRecord
	if err := s.db.SelectContext(ctx, &recs, q, args...); err != nil {
		return nil, errdefs.System(err)
	}
	out := make([]types.Rule, len(recs))
	for i, r := range recs {
		out[i] = r.toRule()
	}
	return out, nil
}

func (s *Store) placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// SetVariable upserts a variable at (scope, selector, name).
func (s *Store) SetVariable(ctx context.Context, v types.Variable) error {
	switch v.Scope {
	case types.ScopeGlobal, types.ScopeServer, types.ScopeInstance:
	default:
		return errdefs.InvalidParameter(errors.Errorf("variables resolve at GLOBAL, SERVER, or INSTANCE scope, not %q", v.Scope))
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO config_variables (scope, selector, name, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (scope, selector, name) DO UPDATE SET value = EXCLUDED.value`,
			v.Scope, v.Selector, v.Name, v.Value)
		return errdefs.System(err)
	})
}

// GetVariables lists the variables defined at one (scope, selector).
func (s *Store) GetVariables(ctx context.Context, scope types.Scope, selector string) ([]types.Variable, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT scope, selector, name, value FROM config_variables
		WHERE scope = $1 AND selector = $2 ORDER BY name`, scope, selector)
	if err != nil {
		return nil, errdefs.System(err)
	}
	defer rows.Close()
	var out []types.Variable
	for rows.Next() {
		var v types.Variable
		if err := rows.Scan(&v.Scope, &v.Selector, &v.Name, &v.Value); err != nil {
			return nil, errdefs.System(err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
