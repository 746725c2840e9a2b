package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteRegistry struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Registry, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	r := &sqliteRegistry{db: db, log: log}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *sqliteRegistry) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *sqliteRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRegistry) UpsertChannel(ctx context.Context, channelID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO required_channels(channel_id, added_at) VALUES(?,?)
		 ON CONFLICT(channel_id) DO NOTHING`,
		channelID, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (r *sqliteRegistry) RemoveChannel(ctx context.Context, channelID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM required_channels WHERE channel_id = ?`, channelID)
	return err
}

func (r *sqliteRegistry) ListRequiredChannels(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT channel_id FROM required_channels ORDER BY added_at, channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) UpsertUser(ctx context.Context, userID int64, username string) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users(user_id, username, first_seen, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET username=excluded.username, last_seen=excluded.last_seen`,
		userID, nullStr(username), now, now,
	)
	return err
}

func (r *sqliteRegistry) UpsertChat(ctx context.Context, chatID int64, title string) error {
	now := time.Now().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, title, first_seen, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET title=excluded.title, last_seen=excluded.last_seen`,
		chatID, nullStr(title), now, now,
	)
	return err
}

func (r *sqliteRegistry) ListAllUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id, username, last_seen FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var (
			rec      UserRecord
			username sql.NullString
			lastSeen string
		)
		if err := rows.Scan(&rec.UserID, &username, &lastSeen); err != nil {
			return nil, err
		}
		rec.Username = username.String
		rec.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) ListAllChats(ctx context.Context) ([]ChatRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chat_id, title, last_seen FROM chats ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var (
			rec      ChatRecord
			title    sql.NullString
			lastSeen string
		)
		if err := rows.Scan(&rec.ChatID, &title, &lastSeen); err != nil {
			return nil, err
		}
		rec.Title = title.String
		rec.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *sqliteRegistry) Counts(ctx context.Context) (Stats, error) {
	var st Stats
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.Users); err != nil {
		return st, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&st.Chats); err != nil {
		return st, err
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM required_channels`).Scan(&st.Channels); err != nil {
		return st, err
	}
	return st, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
