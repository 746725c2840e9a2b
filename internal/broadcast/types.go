package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gatebot/internal/registry"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type Audience string

const (
	AudienceUsers Audience = "users"
	AudienceChats Audience = "chats"
	AudienceBoth  Audience = "both"
)

func ParseAudience(s string) (Audience, error) {
	switch Audience(strings.ToLower(strings.TrimSpace(s))) {
	case AudienceUsers:
		return AudienceUsers, nil
	case AudienceChats:
		return AudienceChats, nil
	case AudienceBoth, "":
		return AudienceBoth, nil
	default:
		return "", fmt.Errorf("unknown audience %q (want users, chats or both)", s)
	}
}

type Payload struct {
	Text     string
	PhotoURL string
	Markup   any // adapter-specific reply markup, passed through untouched
}

// Job is one requested fan-out. Authorized must be set by the caller after
// its own admin check; the engine refuses unauthorized jobs outright.
type Job struct {
	ID          string
	Name        string
	Audience    Audience
	Payload     Payload
	RequestedBy int64
	Authorized  bool
}

type FailedTarget struct {
	ChatID    int64
	Attempts  int
	Permanent bool
	Err       string
}

// Report is the aggregate outcome of one run.
// Delivered + PermanentlyFailed + ExhaustedRetries == Attempted, always.
type Report struct {
	JobID             string
	Audience          Audience
	Attempted         int
	Delivered         int
	PermanentlyFailed int
	ExhaustedRetries  int
	Failed            []FailedTarget
	Started           time.Time
	Finished          time.Time
	Cancelled         bool
}

// Status is the live view of a job kept for operator commands.
type Status struct {
	JobID     string
	Name      string
	Audience  Audience
	Total     int
	Done      int
	Delivered int
	Failed    int
	Running   bool
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
}

type Config struct {
	Workers      int
	RatePerSec   int
	RetryMax     int
	RetryBackoff time.Duration
}

// Sender is the adapter slice the engine sends through.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendPhoto(ctx context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// AudienceSource is the registry slice the engine snapshots from.
type AudienceSource interface {
	ListAllUsers(ctx context.Context) ([]registry.UserRecord, error)
	ListAllChats(ctx context.Context) ([]registry.ChatRecord, error)
}

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender   Sender
	audience AudienceSource
	log      logx.Logger

	statusMu sync.RWMutex
	status   map[string]*Status
}
