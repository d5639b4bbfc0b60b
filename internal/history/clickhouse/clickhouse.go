package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/banco/internal/history"
)

type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink writes events over the native protocol. The table is a
// ReplacingMergeTree on id, so a retried send collapses at merge time and
// Count reads with FINAL.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Table == "" {
		opts.Table = history.DefaultTable
	}
	if err := history.CheckTable(opts.Table); err != nil {
		return nil, err
	}
	auth := clickhouse.Auth{Database: opts.Database, Username: opts.Username, Password: opts.Password}
	if auth.Database == "" {
		auth.Database = "default"
	}
	if auth.Username == "" {
		auth.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr:        []string{opts.Addr},
		Auth:        auth,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := &Sink{conn: conn, table: opts.Table}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, s.ddl()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse create %s: %w", s.table, err)
	}
	return s, nil
}

func (s *Sink) ddl() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID,
		occurred_at DateTime64(6, 'UTC'),
		event LowCardinality(String),
		name String,
		entry_id String,
		pid Int64,
		status LowCardinality(String),
		crashed Bool,
		cause LowCardinality(String),
		exit_code Int32
	) ENGINE = ReplacingMergeTree
	ORDER BY (name, id)`, s.table)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	if err := batch.Append(
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.Node, e.EntryID,
		int64(e.PID), e.Status, e.Crashed, e.Cause, int32(e.ExitCode),
	); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("clickhouse append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse send: %w", err)
	}
	return nil
}

// Count returns the number of distinct events recorded for a node.
func (s *Sink) Count(ctx context.Context, name string) (int, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, "SELECT count() FROM "+s.table+" FINAL WHERE name = ?", name).Scan(&n)
	return int(n), err
}

func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
