package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/providers"
)

// defaultContextRows caps unbounded context and full-history reads so a
// missing size can never drag a year of channel traffic into a prompt.
const defaultContextRows = 200

// SQLStore implements Store over an open DB handle. All queries are
// written once with ?-placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func NewStore(d *DB) *SQLStore {
	return &SQLStore{db: d.SQL, dialect: d.Dialect, now: time.Now}
}

func (s *SQLStore) AddMessage(ctx context.Context, msg *bus.RoomMessage) (int64, error) {
	q := s.dialect.Rebind(`INSERT INTO messages
		(server, channel, thread_id, thread_root, nick, my_nick, content, platform_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := s.db.QueryRowContext(ctx, q,
		msg.Arc.Server, msg.Arc.Channel, msg.ThreadID, msg.ThreadRoot,
		msg.Nick, msg.MyNick, msg.Content, msg.PlatformID,
		s.now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add message: %w", err)
	}
	return id, nil
}

func (s *SQLStore) GetContextForMessage(ctx context.Context, msg *bus.RoomMessage, size int) ([]providers.Message, error) {
	if size <= 0 {
		size = defaultContextRows
	}

	// The window ends at the newest row matching the requesting
	// message, so rows persisted after it stay invisible to the run it
	// triggers. A message that never hit the store (help, notices)
	// falls back to the whole scope.
	cut := int64(math.MaxInt64)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM messages
		WHERE server = ? AND channel = ? AND thread_id = ? AND nick = ? AND content = ?
		ORDER BY id DESC LIMIT 1`),
		msg.Arc.Server, msg.Arc.Channel, msg.ThreadID, msg.Nick, msg.Content,
	).Scan(&cut)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("locate context cut: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT nick, my_nick, content FROM messages
		WHERE server = ? AND channel = ? AND thread_id = ? AND id <= ?
		ORDER BY id DESC LIMIT ?`),
		msg.Arc.Server, msg.Arc.Channel, msg.ThreadID, cut, size,
	)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Nick, &r.MyNick, &r.Content); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		if r.FromMe() {
			out = append(out, providers.Message{Role: "assistant", Content: r.Content})
		} else {
			out = append(out, providers.Message{Role: "user", Content: fmt.Sprintf("<%s> %s", r.Nick, r.Content)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}

	// Scanned newest-first for the LIMIT; callers want newest-last.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) CountMessagesSince(ctx context.Context, server, channel string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM messages
		WHERE server = ? AND channel = ? AND created_at > ?`),
		server, channel, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GetMessageIDByPlatformID(ctx context.Context, arc bus.Arc, platformID string) (int64, error) {
	if platformID == "" {
		return 0, ErrNotFound
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM messages
		WHERE server = ? AND channel = ? AND platform_id = ?
		ORDER BY id DESC LIMIT 1`),
		arc.Server, arc.Channel, platformID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup platform id: %w", err)
	}
	return id, nil
}

func (s *SQLStore) UpdateMessageByPlatformID(ctx context.Context, arc bus.Arc, platformID, content string) error {
	id, err := s.GetMessageIDByPlatformID(ctx, arc, platformID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE messages SET content = ? WHERE id = ?`), content, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *SQLStore) GetFullHistory(ctx context.Context, arc bus.Arc, threadID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = defaultContextRows
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT id, server, channel, thread_id, thread_root, nick, my_nick, content, platform_id, created_at
		FROM messages
		WHERE server = ? AND channel = ? AND thread_id = ?
		ORDER BY id DESC LIMIT ?`),
		arc.Server, arc.Channel, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var createdMs int64
		if err := rows.Scan(&r.ID, &r.Server, &r.Channel, &r.ThreadID, &r.ThreadRoot,
			&r.Nick, &r.MyNick, &r.Content, &r.PlatformID, &createdMs); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
