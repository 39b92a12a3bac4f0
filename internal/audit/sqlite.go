package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/snowctl/internal/fsutil"
)

//go:embed migrations/*.sql
var migrations embed.FS

const recordsTable = "audit_records"

var recordColumns = []string{"id", "ts_ms", "tool", "instance", "params_json", "outcome", "error", "error_kind", "duration_ms"}

// SQLiteSink keeps a queryable audit history.
type SQLiteSink struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
	sql    sq.StatementBuilderType
}

// OpenSQLite opens (creating if needed) the history database at path and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), fsutil.PrivateDir); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(path, fsutil.PrivateFile); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("secure audit database: %w", err)
	}

	log.Debug().Str("dbPath", path).Msg("SQLite audit history opened")

	return &SQLiteSink{
		db:     db,
		dbPath: path,
		sql:    sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load audit migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("prepare audit migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run audit migrations: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

// Log inserts one record.
func (s *SQLiteSink) Log(rec Record) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	params := rec.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode audit params: %w", err)
	}

	q := s.sql.Insert(recordsTable).
		Columns(recordColumns...).
		Values(rec.ID, rec.Timestamp.UTC().UnixMilli(), rec.Tool, rec.Instance, string(paramsJSON),
			rec.Outcome, rec.Error, rec.ErrorKind, rec.DurationMS)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(sqlStr, args...); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *SQLiteSink) where(b sq.SelectBuilder, filter Filter) sq.SelectBuilder {
	if filter.Tool != "" {
		b = b.Where(sq.Eq{"tool": filter.Tool})
	}
	if filter.Outcome != "" {
		b = b.Where(sq.Eq{"outcome": filter.Outcome})
	}
	if filter.Instance != "" {
		b = b.Where(sq.Eq{"instance": filter.Instance})
	}
	if filter.Since != nil {
		b = b.Where(sq.GtOrEq{"ts_ms": filter.Since.UTC().UnixMilli()})
	}
	return b
}

// Query returns records matching filter, newest first.
func (s *SQLiteSink) Query(ctx context.Context, filter Filter) ([]Record, error) {
	b := s.where(s.sql.Select(recordColumns...).From(recordsTable), filter).
		OrderBy("ts_ms DESC", "id")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec        Record
			tsMS       int64
			paramsJSON string
		)
		if err := rows.Scan(&rec.ID, &tsMS, &rec.Tool, &rec.Instance, &paramsJSON,
			&rec.Outcome, &rec.Error, &rec.ErrorKind, &rec.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMS).UTC()
		if err := json.Unmarshal([]byte(paramsJSON), &rec.Params); err != nil {
			rec.Params = map[string]any{}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count returns the number of records matching filter. Limit is ignored.
func (s *SQLiteSink) Count(ctx context.Context, filter Filter) (int, error) {
	sqlStr, args, err := s.where(s.sql.Select("COUNT(*)").From(recordsTable), filter).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build audit count: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// Close gracefully shuts down the sink.
func (s *SQLiteSink) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close audit database: %w", err)
	}
	return nil
}
