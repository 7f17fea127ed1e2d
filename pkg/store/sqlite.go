package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/putto11262002/tripchat/pkg/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (o *SQLiteOption) dsn(sb *strings.Builder) {
	if o == nil {
		return
	}
	var params []string
	if o.Mode != "" {
		params = append(params, "mode="+o.Mode)
	}
	if o.Cache != "" {
		params = append(params, "cache="+o.Cache)
	}
	if o.JournalMode != "" {
		params = append(params, "_journal_mode="+o.JournalMode)
	}
	if len(params) > 0 {
		sb.WriteString("?")
		sb.WriteString(strings.Join(params, "&"))
	}
}

// SQLiteCache keeps confirmed messages on disk so history pages can be
// served while the history endpoint is unreachable.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens the cache file and applies pending migrations.
func OpenSQLiteCache(file string, opt *SQLiteOption) (*SQLiteCache, error) {
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(file)
	opt.dsn(&dsn)

	db, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteCache{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Save upserts confirmed messages. Pending and failed messages are skipped.
// Receipt sets of known messages are replaced by the given ones.
func (c *SQLiteCache) Save(ctx context.Context, msgs ...chat.Message) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, room_id, client_id, sender_id, sender_role, text, media, delivered_to, read_by, created_at)
		VALUES (@id, @room_id, @client_id, @sender_id, @sender_role, @text, @media, @delivered_to, @read_by, @created_at)
		ON CONFLICT (id) DO UPDATE SET delivered_to = excluded.delivered_to, read_by = excluded.read_by`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("PrepareContext: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.State != chat.SendConfirmed {
			continue
		}
		media, err := json.Marshal(m.Media)
		if err != nil {
			return fmt.Errorf("json.Marshal(media): %w", err)
		}
		delivered, _ := m.DeliveredTo.MarshalJSON()
		read, _ := m.ReadBy.MarshalJSON()
		_, err = stmt.ExecContext(ctx,
			sql.Named("id", m.ID), sql.Named("room_id", m.RoomID),
			sql.Named("client_id", m.ClientID), sql.Named("sender_id", m.SenderID),
			sql.Named("sender_role", string(m.SenderRole)), sql.Named("text", m.Text),
			sql.Named("media", string(media)), sql.Named("delivered_to", string(delivered)),
			sql.Named("read_by", string(read)), sql.Named("created_at", m.CreatedAt.UnixNano()),
		)
		if err != nil {
			return fmt.Errorf("ExecContext(upsert message %s): %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

// Page mirrors Store.GetPage over the cached messages.
func (c *SQLiteCache) Page(ctx context.Context, roomID string, before *time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	cursor := int64(1<<63 - 1)
	if before != nil {
		cursor = before.UnixNano()
	}

	query := `
		SELECT id, room_id, client_id, sender_id, sender_role, text, media, delivered_to, read_by, created_at
		FROM messages
		WHERE room_id = @room_id AND created_at < @before
		ORDER BY created_at DESC, id DESC
		LIMIT @limit`
	rows, err := c.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("before", cursor), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var page []chat.Message
	for rows.Next() {
		var (
			m                        chat.Message
			role                     string
			media, delivered, readBy string
			createdAt                int64
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.ClientID, &m.SenderID, &role, &m.Text,
			&media, &delivered, &readBy, &createdAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		m.SenderRole = chat.Role(role)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(media), &m.Media); err != nil {
			return nil, fmt.Errorf("json.Unmarshal(media): %w", err)
		}
		if err := m.DeliveredTo.UnmarshalJSON([]byte(delivered)); err != nil {
			return nil, fmt.Errorf("json.Unmarshal(delivered_to): %w", err)
		}
		if err := m.ReadBy.UnmarshalJSON([]byte(readBy)); err != nil {
			return nil, fmt.Errorf("json.Unmarshal(read_by): %w", err)
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	slices.Reverse(page)
	return page, nil
}

// Evict deletes the cached messages of a room.
func (c *SQLiteCache) Evict(ctx context.Context, roomID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = @room_id`,
		sql.Named("room_id", roomID)); err != nil {
		return fmt.Errorf("ExecContext(delete messages): %w", err)
	}
	return nil
}
