// Package chronicle keeps a running narrative per arc: chapters of
// LLM-written paragraphs summarizing channel life. The auto-chronicler
// turns passive traffic into paragraphs; the rollover closes chapters
// on a cron schedule with a closing summary.
package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/history"
)

// Store reads and writes the chronicle tables. It shares the history
// database handle, so one migration set covers both schemas.
type Store struct {
	db      *sql.DB
	dialect history.Dialect

	now func() time.Time
}

func NewStore(d *history.DB) *Store {
	return &Store{db: d.SQL, dialect: d.Dialect, now: time.Now}
}

// Chapter is one span of arc life, open until a rollover closes it.
type Chapter struct {
	ID       int64
	ArcKey   string
	Title    string
	Summary  string
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Paragraph is one chronicler entry inside a chapter.
type Paragraph struct {
	ID        int64
	ChapterID int64
	Seq       int
	Content   string
	CreatedAt time.Time
}

// EnsureArc returns the arc row id, creating the row on first sight.
func (s *Store) EnsureArc(ctx context.Context, arcKey string) (int64, error) {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO chronicle_arcs (arc_key, created_at)
		VALUES (?, ?) ON CONFLICT (arc_key) DO NOTHING`),
		arcKey, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("ensure arc: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM chronicle_arcs WHERE arc_key = ?`), arcKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup arc: %w", err)
	}
	return id, nil
}

// openChapterID returns the arc's open chapter, creating one if none
// exists. A chapter is open while closed_at is NULL.
func (s *Store) openChapterID(ctx context.Context, arcID int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM chronicle_chapters
		WHERE arc_id = ? AND closed_at IS NULL ORDER BY id DESC LIMIT 1`), arcID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup open chapter: %w", err)
	}
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`INSERT INTO chronicle_chapters (arc_id, opened_at)
		VALUES (?, ?) RETURNING id`), arcID, s.now().UnixMilli()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("open chapter: %w", err)
	}
	return id, nil
}

// AppendParagraph adds content to the arc's open chapter. Callers
// serialize per arc through the arc lock; seq assignment assumes no
// concurrent appends for the same chapter.
func (s *Store) AppendParagraph(ctx context.Context, arcKey, content string) error {
	arcID, err := s.EnsureArc(ctx, arcKey)
	if err != nil {
		return err
	}
	chapterID, err := s.openChapterID(ctx, arcID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO chronicle_paragraphs (chapter_id, seq, content, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM chronicle_paragraphs WHERE chapter_id = ?`),
		chapterID, content, s.now().UnixMilli(), chapterID,
	)
	if err != nil {
		return fmt.Errorf("append paragraph: %w", err)
	}
	return nil
}

// CloseChapter stamps the open chapter with a summary and close time.
// Returns false when the arc has no open chapter. The next paragraph
// opens a fresh chapter lazily.
func (s *Store) CloseChapter(ctx context.Context, arcKey, summary string) (bool, error) {
	arcID, err := s.EnsureArc(ctx, arcKey)
	if err != nil {
		return false, err
	}
	var chapterID int64
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM chronicle_chapters
		WHERE arc_id = ? AND closed_at IS NULL ORDER BY id DESC LIMIT 1`), arcID).Scan(&chapterID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup open chapter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE chronicle_chapters SET summary = ?, closed_at = ? WHERE id = ?`),
		summary, s.now().UnixMilli(), chapterID,
	)
	if err != nil {
		return false, fmt.Errorf("close chapter: %w", err)
	}
	return true, nil
}

// Watermark returns the id of the last history row the chronicler has
// summarized for the arc; zero when the arc is unknown.
func (s *Store) Watermark(ctx context.Context, arcKey string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT last_message_id FROM chronicle_arcs WHERE arc_key = ?`), arcKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return id, nil
}

// SetWatermark advances the summarized-up-to marker for the arc.
func (s *Store) SetWatermark(ctx context.Context, arcKey string, messageID int64) error {
	if _, err := s.EnsureArc(ctx, arcKey); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE chronicle_arcs SET last_message_id = ? WHERE arc_key = ?`),
		messageID, arcKey,
	)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// ArcsWithOpenChapters lists arc keys that have a chapter to roll over.
func (s *Store) ArcsWithOpenChapters(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT a.arc_key
		FROM chronicle_arcs a
		JOIN chronicle_chapters c ON c.arc_id = a.id
		WHERE c.closed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list open arcs: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan arc key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Chapters returns the arc's chapters oldest-first.
func (s *Store) Chapters(ctx context.Context, arcKey string) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT c.id, a.arc_key, c.title, c.summary, c.opened_at, c.closed_at
		FROM chronicle_chapters c
		JOIN chronicle_arcs a ON a.id = c.arc_id
		WHERE a.arc_key = ?
		ORDER BY c.id`), arcKey)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		var opened int64
		var closed sql.NullInt64
		if err := rows.Scan(&c.ID, &c.ArcKey, &c.Title, &c.Summary, &opened, &closed); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		c.OpenedAt = time.UnixMilli(opened)
		if closed.Valid {
			t := time.UnixMilli(closed.Int64)
			c.ClosedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Paragraphs returns a chapter's paragraphs in sequence order.
func (s *Store) Paragraphs(ctx context.Context, chapterID int64) ([]Paragraph, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`SELECT id, chapter_id, seq, content, created_at
		FROM chronicle_paragraphs WHERE chapter_id = ? ORDER BY seq`), chapterID)
	if err != nil {
		return nil, fmt.Errorf("list paragraphs: %w", err)
	}
	defer rows.Close()

	var out []Paragraph
	for rows.Next() {
		var p Paragraph
		var created int64
		if err := rows.Scan(&p.ID, &p.ChapterID, &p.Seq, &p.Content, &created); err != nil {
			return nil, fmt.Errorf("scan paragraph: %w", err)
		}
		p.CreatedAt = time.UnixMilli(created)
		out = append(out, p)
	}
	return out, rows.Err()
}
