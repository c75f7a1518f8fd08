package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	defaultTable = "schema_migrations"
	upSuffix     = ".up.sql"
	downSuffix   = ".down.sql"
)

// ErrNothingApplied is returned by Down when no migration has been applied.
var ErrNothingApplied = errors.New("no migrations applied")

// Manager applies paired <name>.up.sql / <name>.down.sql files from an fs.FS.
type Manager struct {
	db     *sql.DB
	source fs.FS
	table  string
	now    func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the default bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager reading migrations from the root of source.
func NewManager(db *sql.DB, source fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, source: source, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entry is one migration and whether it is applied.
type Entry struct {
	Name    string
	Applied bool
}

// Up applies all pending migrations in name order and returns the ones it ran.
// Each migration and its bookkeeping row commit in one transaction.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.available()
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	var ran []string
	for _, name := range names {
		if done[name] {
			continue
		}
		err := m.run(ctx, name+upSuffix, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.table),
				name, m.now().UTC())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("apply migration %s: %w", name, err)
		}
		ran = append(ran, name)
	}
	return ran, nil
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return "", err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", ErrNothingApplied
	}
	last := applied[len(applied)-1]
	if _, err := fs.Stat(m.source, last+downSuffix); err != nil {
		return "", fmt.Errorf("missing down migration for %s", last)
	}
	err = m.run(ctx, last+downSuffix, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.table), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return last, nil
}

// Status lists every known migration with its applied state.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	names, err := m.available()
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, Entry{Name: name, Applied: done[name]})
	}
	return out, nil
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, m.table)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) run(ctx context.Context, file string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.source, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) applied(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by name asc`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// available returns migration names (file name without .up.sql), sorted.
func (m *Manager) available() ([]string, error) {
	matches, err := fs.Glob(m.source, "*"+upSuffix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, f := range matches {
		names = append(names, strings.TrimSuffix(f, upSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and
// drops empty statements.
func splitStatements(sql string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for _, r := range sql {
		switch {
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
