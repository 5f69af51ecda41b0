// Package history persists chat traffic and serves the conversation
// snapshots the rooms core builds prompts from. SQLite (modernc, WAL)
// is the default backend; a Postgres DSN switches the same store to
// pgx. Both dialects share one schema shape, so the store is a single
// implementation over database/sql with per-dialect placeholders.
package history

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/providers"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("history: message not found")

// Store is the full history contract. The rooms core consumes the
// first three methods (rooms.HistoryStore); transports use the
// platform-id pair for message edits; the status server reads raw rows
// through GetFullHistory.
type Store interface {
	// AddMessage appends one row and returns its id.
	AddMessage(ctx context.Context, msg *bus.RoomMessage) (int64, error)

	// GetContextForMessage returns the conversation as of msg:
	// rows sharing msg's arc and thread, newest-last, ending at the
	// newest row whose nick and content match msg (or the newest row
	// in scope when none matches). The bot's own rows come back as
	// assistant turns, everything else as "<nick> text" user turns.
	// At most size rows are returned.
	GetContextForMessage(ctx context.Context, msg *bus.RoomMessage, size int) ([]providers.Message, error)

	// CountMessagesSince counts rows in the channel persisted strictly
	// after since, across all threads.
	CountMessagesSince(ctx context.Context, server, channel string, since time.Time) (int, error)

	// GetMessageIDByPlatformID resolves a platform-native message id
	// to the newest matching row id. ErrNotFound when absent.
	GetMessageIDByPlatformID(ctx context.Context, arc bus.Arc, platformID string) (int64, error)

	// UpdateMessageByPlatformID rewrites the content of the newest row
	// carrying the platform id. ErrNotFound when absent.
	UpdateMessageByPlatformID(ctx context.Context, arc bus.Arc, platformID, content string) error

	// GetFullHistory returns up to limit raw rows for the arc and
	// thread, oldest first.
	GetFullHistory(ctx context.Context, arc bus.Arc, threadID string, limit int) ([]Row, error)
}

// Row is one persisted message.
type Row struct {
	ID         int64
	Server     string
	Channel    string
	ThreadID   string
	ThreadRoot string
	Nick       string
	MyNick     string
	Content    string
	PlatformID string
	CreatedAt  time.Time
}

// FromMe reports whether the row was authored by the bot itself.
func (r Row) FromMe() bool { return strings.EqualFold(r.Nick, r.MyNick) }

// Dialect names the SQL flavor of an open handle.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind converts ?-placeholders to the $n form Postgres requires.
// SQLite takes ? natively, so queries are written once with ? and
// rebound by the stores sharing the handle.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// DB is an open database handle plus its dialect. The history store and
// the chronicle store share one handle, so both schemas migrate
// together.
type DB struct {
	SQL     *sql.DB
	Dialect Dialect
}

// Open selects the backend from the resolved database config: a
// non-empty DSN means Postgres, otherwise the SQLite path is used.
// Migrations run before the handle is returned.
func Open(path, postgresDSN string) (*DB, error) {
	if postgresDSN != "" {
		return OpenPostgres(postgresDSN)
	}
	return OpenSQLite(path)
}

// OpenUnmigrated opens the configured backend without applying
// migrations, so the migrate subcommands control every schema step
// themselves.
func OpenUnmigrated(path, postgresDSN string) (*DB, error) {
	if postgresDSN != "" {
		return openPostgres(postgresDSN)
	}
	return openSQLite(path)
}

func (d *DB) Close() error { return d.SQL.Close() }
