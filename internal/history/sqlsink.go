package history

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DefaultTable is where the SQL sinks append events.
const DefaultTable = "node_history"

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckTable rejects names that cannot be spliced into SQL unquoted.
func CheckTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid history table name %q", name)
	}
	return nil
}

// SQLSink appends events to one table through database/sql. The drivers
// live in the sqlite and postgres subpackages. Rows are keyed by event id,
// and a re-sent event is ignored.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
	table   string
	insert  string
}

// NewSQLSink creates the table and its index when missing. On error the
// caller still owns db.
func NewSQLSink(ctx context.Context, db *sql.DB, d Dialect, table string) (*SQLSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	s := &SQLSink{db: db, dialect: d, table: table}
	s.insert = fmt.Sprintf(`INSERT INTO %s(id, occurred_at, event, name, entry_id, pid, status, crashed, cause, exit_code)
		VALUES(%s) ON CONFLICT (id) DO NOTHING`, table, s.placeholders(10))
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return s, nil
}

func (s *SQLSink) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if s.dialect == DialectPostgres {
			ps[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	idType, tsType := "TEXT", "TIMESTAMP"
	if s.dialect == DialectPostgres {
		idType, tsType = "UUID", "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
			id %s PRIMARY KEY,
			occurred_at %s NOT NULL,
			event TEXT NOT NULL,
			name TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			pid INTEGER NOT NULL,
			status TEXT NOT NULL,
			crashed BOOLEAN NOT NULL,
			cause TEXT NOT NULL,
			exit_code INTEGER NOT NULL
		)`, s.table, idType, tsType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(name, occurred_at)`, s.table, s.table),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLSink) Send(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, s.insert,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.Node, e.EntryID, e.PID, e.Status, e.Crashed, e.Cause, e.ExitCode)
	return err
}

// Count returns the number of rows recorded for a node.
func (s *SQLSink) Count(ctx context.Context, name string) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = %s`, s.table, s.placeholders(1))
	var n int
	err := s.db.QueryRowContext(ctx, q, name).Scan(&n)
	return n, err
}

func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
