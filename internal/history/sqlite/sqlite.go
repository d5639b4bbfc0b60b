package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/banco/internal/history"
)

type Sink struct {
	*history.SQLSink
}

// New opens a SQLite history database. Accepted DSNs:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" or ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: :memory: is per connection, and sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	s, err := history.NewSQLSink(context.Background(), db, history.DialectSQLite, "")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Sink{SQLSink: s}, nil
}
