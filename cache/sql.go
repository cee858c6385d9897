package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/glimte/cachesync-go/internal/jsoncodec"
)

// Dialect selects placeholder syntax and the database/sql driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// OpenDB opens and pings a database for the given dialect. In-memory sqlite
// databases are pinned to a single connection so every query sees the same
// database.
func OpenDB(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("cache: unsupported driver %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", dialect, err)
	}
	return db, nil
}

// SQLStore is a Store keeping one JSON document per row.
type SQLStore[T any] struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

// NewSQLStore returns a store over table. Call Migrate before use.
func NewSQLStore[T any](db *sql.DB, dialect Dialect, table string) (*SQLStore[T], error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("cache: invalid table name %q", table)
	}
	return &SQLStore[T]{
		db:      db,
		dialect: dialect,
		table:   table,
		now:     time.Now,
	}, nil
}

// Migrate creates the table if it does not exist.
func (s *SQLStore[T]) Migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("cache: migrate %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore[T]) Upsert(ctx context.Context, key string, record T) (T, error) {
	data, err := jsoncodec.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("cache: encode %s/%s: %w", s.table, key, err)
	}

	query := s.rebind(`INSERT INTO ` + s.table + ` (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, key, string(data), s.now().UTC()); err != nil {
		return record, fmt.Errorf("cache: upsert %s/%s: %w", s.table, key, err)
	}
	return record, nil
}

func (s *SQLStore[T]) Delete(ctx context.Context, key string) error {
	query := s.rebind(`DELETE FROM ` + s.table + ` WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("cache: delete %s/%s: %w", s.table, key, err)
	}
	return nil
}

func (s *SQLStore[T]) FindByID(ctx context.Context, key string) (T, error) {
	var (
		record T
		data   string
	)

	query := s.rebind(`SELECT data FROM ` + s.table + ` WHERE id = ?`)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return record, ErrNotFound
	}
	if err != nil {
		return record, fmt.Errorf("cache: find %s/%s: %w", s.table, key, err)
	}

	if err := jsoncodec.Unmarshal([]byte(data), &record); err != nil {
		return record, fmt.Errorf("cache: decode %s/%s: %w", s.table, key, err)
	}
	return record, nil
}

// Ping checks the database connection.
func (s *SQLStore[T]) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders as $1, $2... for postgres.
func (s *SQLStore[T]) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
