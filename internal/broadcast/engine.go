package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// ErrNotAuthorized is returned for jobs whose caller did not pass the admin check.
var ErrNotAuthorized = errors.New("broadcast not authorized")

const (
	defaultWorkers      = 4
	defaultRatePerSec   = 10
	defaultRetryMax     = 3
	defaultRetryBackoff = 500 * time.Millisecond

	// Keep status memory bounded; broadcasts can be triggered frequently.
	statusMax = 200
	statusTTL = 24 * time.Hour
)

func New(cfg Config, sender Sender, audience AudienceSource, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		sender:   sender,
		audience: audience,
		log:      log,
		status:   map[string]*Status{},
	}
	e.Apply(cfg)
	return e
}

// Apply swaps the tunables at runtime (config reload).
func (e *Engine) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	e.mu.Unlock()
}

// NewJob builds a Job with a fresh id.
func NewJob(name string, audience Audience, payload Payload, requestedBy int64, authorized bool) Job {
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Audience:    audience,
		Payload:     payload,
		RequestedBy: requestedBy,
		Authorized:  authorized,
	}
}

// Run executes one broadcast to completion and returns the aggregate report.
//
// The audience is snapshotted once at call time; recipients registered later
// are not picked up, removed ones simply fail. Cancelling ctx stops new sends
// while letting in-flight sends finish; the report still accounts for every
// snapshot member.
func (e *Engine) Run(ctx context.Context, job Job) (Report, error) {
	if !job.Authorized {
		e.log.Warn("broadcast rejected",
			logx.String("job", job.ID),
			logx.Int64("requested_by", job.RequestedBy),
		)
		return Report{}, ErrNotAuthorized
	}

	targets, err := e.snapshot(ctx, job.Audience)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot audience: %w", err)
	}

	e.mu.Lock()
	workers := e.cfg.Workers
	e.mu.Unlock()
	if workers > len(targets) && len(targets) > 0 {
		workers = len(targets)
	}

	now := time.Now()
	e.pruneStatus(now)
	st := &Status{
		JobID:     job.ID,
		Name:      job.Name,
		Audience:  job.Audience,
		Total:     len(targets),
		Running:   true,
		CreatedAt: now,
		StartedAt: now,
	}
	e.statusMu.Lock()
	e.status[job.ID] = st
	e.statusMu.Unlock()

	e.log.Info("broadcast started",
		logx.String("job", job.ID),
		logx.String("name", job.Name),
		logx.String("audience", string(job.Audience)),
		logx.Int("targets", len(targets)),
		logx.Int("workers", workers),
	)

	report := Report{
		JobID:     job.ID,
		Audience:  job.Audience,
		Attempted: len(targets),
		Started:   now,
	}

	queue := make(chan transport.ChatTarget, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	var (
		wg       sync.WaitGroup
		reportMu sync.Mutex
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			e.worker(ctx, job, queue, &reportMu, &report, st)
		}(i)
	}
	wg.Wait()

	report.Finished = time.Now()
	report.Cancelled = ctx.Err() != nil
	e.finishStatus(job.ID)

	fields := []logx.Field{
		logx.String("job", job.ID),
		logx.String("name", job.Name),
		logx.Int("attempted", report.Attempted),
		logx.Int("delivered", report.Delivered),
		logx.Int("permanent_failed", report.PermanentlyFailed),
		logx.Int("exhausted", report.ExhaustedRetries),
		logx.Duration("dur", report.Finished.Sub(report.Started)),
	}
	if report.Delivered == report.Attempted {
		e.log.Info("broadcast finished", fields...)
	} else {
		e.log.Warn("broadcast finished with failures", fields...)
	}
	return report, nil
}

// Status returns a copy of the live status for one job.
func (e *Engine) Status(jobID string) (Status, bool) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	st, ok := e.status[jobID]
	if !ok || st == nil {
		return Status{}, false
	}
	return *st, true
}

// Jobs lists known job statuses, newest first.
func (e *Engine) Jobs() []Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	out := make([]Status, 0, len(e.status))
	for _, st := range e.status {
		if st != nil {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (e *Engine) snapshot(ctx context.Context, audience Audience) ([]transport.ChatTarget, error) {
	var targets []transport.ChatTarget
	if audience == AudienceUsers || audience == AudienceBoth {
		users, err := e.audience.ListAllUsers(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			targets = append(targets, transport.ChatTarget{ChatID: u.UserID})
		}
	}
	if audience == AudienceChats || audience == AudienceBoth {
		chats, err := e.audience.ListAllChats(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range chats {
			targets = append(targets, transport.ChatTarget{ChatID: c.ChatID})
		}
	}
	return targets, nil
}

func (e *Engine) finishStatus(jobID string) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st := e.status[jobID]; st != nil {
		st.Running = false
		st.DoneAt = time.Now()
	}
}

func (e *Engine) pruneStatus(now time.Time) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	// Drop completed jobs older than the TTL.
	for id, st := range e.status {
		if st == nil {
			delete(e.status, id)
			continue
		}
		if st.Running {
			continue
		}
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.CreatedAt
		}
		if !ref.IsZero() && now.Sub(ref) > statusTTL {
			delete(e.status, id)
		}
	}

	over := len(e.status) - statusMax
	if over <= 0 {
		return
	}

	// Still too big: drop the oldest non-running jobs.
	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(e.status))
	for id, st := range e.status {
		if st == nil || st.Running {
			continue
		}
		key := st.DoneAt
		if key.IsZero() {
			key = st.CreatedAt
		}
		cands = append(cands, cand{id: id, t: key})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(e.status, cands[i].id)
		over--
	}
}

func (e *Engine) snapshotTunables() (lim *rate.Limiter, retryMax int, backoff time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limiter, e.cfg.RetryMax, e.cfg.RetryBackoff
}
