package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shutterdesk/autoresponder/internal/inbound"
)

// Fixed-width UTC timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

// SQLiteStore persists items in a single SQLite file
type SQLiteStore struct {
	db *sql.DB
}

const itemColumns = `id, channel, sender_name, sender_handle, subject, text, received_at,
	category, sentiment, priority, status, phone, company, service, budget, preferred_date,
	post_id, source_id, attempts, last_error, response_sent_at, response_text`

// scanItem handles nullable columns when scanning a row
func scanItem(scanner interface{ Scan(...any) error }) (*inbound.Item, error) {
	var it inbound.Item
	var receivedAt string
	var sentAt sql.NullString

	err := scanner.Scan(&it.ID, &it.Channel, &it.Sender.Name, &it.Sender.Handle, &it.Subject, &it.Text, &receivedAt,
		&it.Category, &it.Sentiment, &it.Priority, &it.Status, &it.Phone, &it.Company, &it.Service, &it.Budget,
		&it.PreferredDate, &it.PostID, &it.SourceID, &it.Attempts, &it.LastError, &sentAt, &it.ResponseText)
	if err != nil {
		return nil, err
	}

	if it.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, fmt.Errorf("item %s: bad received_at: %w", it.ID, err)
	}
	if sentAt.Valid {
		t, err := parseTime(sentAt.String)
		if err != nil {
			return nil, fmt.Errorf("item %s: bad response_sent_at: %w", it.ID, err)
		}
		it.ResponseSentAt = &t
	}
	return &it, nil
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SQLite would otherwise report SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		sender_handle TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		received_at TEXT NOT NULL,
		category TEXT NOT NULL,
		sentiment TEXT NOT NULL,
		priority TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		status TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL DEFAULT '',
		budget TEXT NOT NULL DEFAULT '',
		preferred_date TEXT NOT NULL DEFAULT '',
		post_id TEXT NOT NULL DEFAULT '',
		source_id TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		response_sent_at TEXT,
		response_text TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_due ON items(channel, status, received_at);
	CREATE INDEX IF NOT EXISTS idx_items_sent ON items(channel, response_sent_at);
	CREATE INDEX IF NOT EXISTS idx_items_source ON items(source_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func (s *SQLiteStore) Create(ctx context.Context, it *inbound.Item) error {
	query := `INSERT INTO items (` + itemColumns + `, priority_rank, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.Channel, it.Sender.Name, it.Sender.Handle, it.Subject, it.Text, formatTime(it.ReceivedAt),
		it.Category, it.Sentiment, it.Priority, it.Status, it.Phone, it.Company, it.Service, it.Budget,
		it.PreferredDate, it.PostID, it.SourceID, it.Attempts, it.LastError, nullTime(it.ResponseSentAt), it.ResponseText,
		it.Priority.Rank(), formatTime(time.Now()),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*inbound.Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return it, nil
}

// Update writes only the mutable columns; identity and intake fields never change
func (s *SQLiteStore) Update(ctx context.Context, it *inbound.Item, from inbound.Status) error {
	query := `UPDATE items SET status = ?, attempts = ?, last_error = ?, response_sent_at = ?, response_text = ?
	WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, query,
		it.Status, it.Attempts, it.LastError, nullTime(it.ResponseSentAt), it.ResponseText, it.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = ?`, it.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

var sortColumns = map[SortField]string{
	SortReceivedAt: "received_at",
	SortName:       "LOWER(sender_name)",
	SortPriority:   "priority_rank",
	SortStatus:     "status",
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(foldASCII(s)) + "%"
}

func (s *SQLiteStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.Normalize()

	var where []string
	var args []any
	if q.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, q.Channel)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, q.Priority)
	}
	if q.Search != "" {
		where = append(where, `(LOWER(sender_name) LIKE ? ESCAPE '\' OR LOWER(sender_handle) LIKE ? ESCAPE '\'
			OR LOWER(subject) LIKE ? ESCAPE '\' OR LOWER(company) LIKE ? ESCAPE '\')`)
		p := likePattern(q.Search)
		args = append(args, p, p, p, p)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`+clause, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("failed to count items: %w", err)
	}

	dir := strings.ToUpper(q.SortOrder)
	order := fmt.Sprintf(" ORDER BY %s %s, received_at %s, id %s", sortColumns[q.SortBy], dir, dir, dir)
	query := `SELECT ` + itemColumns + ` FROM items` + clause + order + ` LIMIT ? OFFSET ?`

	items, err := s.queryItems(ctx, query, append(args, q.Limit, q.offset())...)
	if err != nil {
		return Page{}, err
	}
	return newPage(items, total, q), nil
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]*inbound.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*inbound.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Due(ctx context.Context, ch inbound.Channel, cutoff time.Time) ([]*inbound.Item, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items
		WHERE channel = ? AND status = ? AND received_at <= ?
		ORDER BY received_at ASC, id ASC`,
		ch, inbound.StatusNew, formatTime(cutoff))
}

func (s *SQLiteStore) CountResponded(ctx context.Context, ch inbound.Channel, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items
		WHERE channel = ? AND status = ? AND response_sent_at >= ?`,
		ch, inbound.StatusResponded, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count responses: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) FindBySource(ctx context.Context, sourceID string) (*inbound.Item, error) {
	if sourceID == "" {
		return nil, ErrNotFound
	}
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE source_id = ? LIMIT 1`, sourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return it, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel, status, COUNT(*) FROM items GROUP BY channel, status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var ch inbound.Channel
		var status inbound.Status
		var n int
		if err := rows.Scan(&ch, &status, &n); err != nil {
			return Stats{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.Total += n
		st.ByStatus[status] += n
		st.ByChannel[ch] += n
	}
	return st, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "autoresponder.db"
	}
	return filepath.Join(home, ".autoresponder", "autoresponder.db")
}
