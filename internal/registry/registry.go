package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"gatebot/pkg/logx"
)

// Config configures the registry store.
//
// Driver values:
//   - "sqlite": SQLite database file (cgo-free driver)
//
// An empty driver defaults to sqlite.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type UserRecord struct {
	UserID   int64
	Username string
	LastSeen time.Time
}

type ChatRecord struct {
	ChatID   int64
	Title    string
	LastSeen time.Time
}

// Stats is a point-in-time count of everything the registry holds.
type Stats struct {
	Users    int64
	Chats    int64
	Channels int64
}

// Registry is the persistence API consumed by the gate and the broadcast engine.
type Registry interface {
	UpsertChannel(ctx context.Context, channelID int64) error
	RemoveChannel(ctx context.Context, channelID int64) error
	ListRequiredChannels(ctx context.Context) ([]int64, error)

	UpsertUser(ctx context.Context, userID int64, username string) error
	UpsertChat(ctx context.Context, chatID int64, title string) error

	ListAllUsers(ctx context.Context) ([]UserRecord, error)
	ListAllChats(ctx context.Context) ([]ChatRecord, error)

	Counts(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown registry driver: " + driver)
	}
}
