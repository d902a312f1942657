// Package journal keeps a bounded history of the notifications produced by
// notify patterns, so that a dashboard that connects late can still list the
// lines that fired while it was away.
//
// The journal is an ordinary bus subscriber backed by SQL. The default
// backend is SQLite, in memory unless a file path is given; a postgres:// or
// postgresql:// URL selects PostgreSQL through pgx so that several loggyxp
// instances can share one history.
//
// # Retention
//
// After every insert the oldest rows beyond the configured retain count are
// deleted, across all paths. A retain of 0 keeps everything.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver with database/sql
	_ "modernc.org/sqlite"             // register "sqlite" driver with database/sql

	"github.com/loggyxp/loggyxp/internal/bus"
	"github.com/loggyxp/loggyxp/internal/event"
)

// DefaultRetain is the number of notifications kept when Open is given a
// negative retain value.
const DefaultRetain = 1000

// Entry is one journaled notification.
type Entry struct {
	ID         int64     `json:"id"`
	Path       string    `json:"path"`
	Line       string    `json:"line"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Journal is a SQL-backed notification history. It is safe for concurrent
// use.
type Journal struct {
	db      *sql.DB
	dialect dialect
	retain  int
	logger  *slog.Logger

	recorded atomic.Int64
}

// dialect captures what differs between the supported backends.
type dialect struct {
	name     string
	driver   string
	maxConns int
	schema   []string
	// numbered reports whether placeholders are $1, $2... rather than ?.
	numbered bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		driver:   "sqlite",
		maxConns: 1,
		schema: []string{
			`PRAGMA journal_mode = WAL`,
			`CREATE TABLE IF NOT EXISTS notifications (
			    id          INTEGER PRIMARY KEY AUTOINCREMENT,
			    path        TEXT    NOT NULL,
			    line        TEXT    NOT NULL,
			    recorded_at TEXT    NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_path
			    ON notifications (path, id)`,
		},
	}
	postgresDialect = dialect{
		name:   "postgres",
		driver: "pgx",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS notifications (
			    id          BIGSERIAL PRIMARY KEY,
			    path        TEXT      NOT NULL,
			    line        TEXT      NOT NULL,
			    recorded_at TEXT      NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_path
			    ON notifications (path, id)`,
		},
		numbered: true,
	}
)

func dialectFor(dsn string) dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgresDialect
	}
	return sqliteDialect
}

// bind rewrites ? placeholders for backends that number them.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open opens (or creates) the journal at dsn and applies the schema. dsn is a
// SQLite path, ":memory:" for a process-lifetime journal, or a PostgreSQL
// URL.
func Open(dsn string, retain int, logger *slog.Logger) (*Journal, error) {
	if retain < 0 {
		retain = DefaultRetain
	}
	d := dialectFor(dsn)

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", d.name, err)
	}

	// SQLite has a single writer, and an in-memory database exists only as
	// long as its connection.
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: apply %s schema: %w", d.name, err)
		}
	}

	return &Journal{db: db, dialect: d, retain: retain, logger: logger}, nil
}

// Record stores one notification line for path and prunes rows beyond the
// retain count.
func (j *Journal) Record(ctx context.Context, path, line string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		j.dialect.bind(`INSERT INTO notifications (path, line, recorded_at) VALUES (?, ?, ?)`),
		path, line, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	j.recorded.Add(1)

	if j.retain == 0 {
		return nil
	}
	_, err = j.db.ExecContext(ctx, j.dialect.bind(
		`DELETE FROM notifications
		 WHERE  id <= (SELECT MAX(id) FROM notifications) - ?`), j.retain)
	if err != nil {
		return fmt.Errorf("journal: prune: %w", err)
	}
	return nil
}

// Recent returns up to limit notifications, newest first. An empty path
// returns notifications for every path.
func (j *Journal) Recent(ctx context.Context, path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return []Entry{}, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if path == "" {
		rows, err = j.db.QueryContext(ctx, j.dialect.bind(
			`SELECT id, path, line, recorded_at
			 FROM   notifications
			 ORDER  BY id DESC
			 LIMIT  ?`), limit)
	} else {
		rows, err = j.db.QueryContext(ctx, j.dialect.bind(
			`SELECT id, path, line, recorded_at
			 FROM   notifications
			 WHERE  path = ?
			 ORDER  BY id DESC
			 LIMIT  ?`), path, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e     Entry
			tsStr string
		)
		if err := rows.Scan(&e.ID, &e.Path, &e.Line, &tsStr); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.RecordedAt, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			e.RecordedAt, _ = time.Parse(time.RFC3339, tsStr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return entries, nil
}

// Recorded returns the number of notifications recorded since Open,
// including pruned ones.
func (j *Journal) Recorded() int64 { return j.recorded.Load() }

// Run records every Notification event received on sub until ctx is done or
// the subscription ends. Record failures are logged and do not stop Run.
func (j *Journal) Run(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if e.Kind != event.KindNotification {
				continue
			}
			if err := j.Record(ctx, e.Path, e.Line, time.Now()); err != nil {
				j.logger.Warn("journal: record failed",
					slog.String("path", e.Path),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Close closes the database. The journal must not be used afterwards.
func (j *Journal) Close() error {
	return j.db.Close()
}
