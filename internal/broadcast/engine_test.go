package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gatebot/internal/registry"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// fakeSender scripts per-target failures and records attempt timing.
type fakeSender struct {
	mu sync.Mutex

	// failures maps chat id -> errors to return before succeeding.
	failures map[int64][]error
	attempts map[int64][]time.Time
	onSend   func(chatID int64, n int) // n is the attempt number for that target (1-based)
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: map[int64][]error{}, attempts: map[int64][]time.Time{}}
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return f.send(to.ChatID)
}

func (f *fakeSender) SendPhoto(ctx context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return f.send(to.ChatID)
}

func (f *fakeSender) send(chatID int64) (transport.MessageRef, error) {
	f.mu.Lock()
	f.attempts[chatID] = append(f.attempts[chatID], time.Now())
	n := len(f.attempts[chatID])
	cb := f.onSend
	var err error
	if q := f.failures[chatID]; len(q) > 0 {
		err, f.failures[chatID] = q[0], q[1:]
	}
	f.mu.Unlock()

	if cb != nil {
		cb(chatID, n)
	}
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: chatID, MessageID: 1}, nil
}

func (f *fakeSender) attemptTimes(chatID int64) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attempts[chatID]...)
}

type fakeAudience struct {
	users []registry.UserRecord
	chats []registry.ChatRecord
}

func (f *fakeAudience) ListAllUsers(ctx context.Context) ([]registry.UserRecord, error) {
	return f.users, nil
}

func (f *fakeAudience) ListAllChats(ctx context.Context) ([]registry.ChatRecord, error) {
	return f.chats, nil
}

func audienceOfUsers(n int) *fakeAudience {
	a := &fakeAudience{}
	for i := 1; i <= n; i++ {
		a.users = append(a.users, registry.UserRecord{UserID: int64(i)})
	}
	return a
}

func testConfig() Config {
	return Config{Workers: 8, RatePerSec: 10000, RetryMax: 3, RetryBackoff: time.Millisecond}
}

func authorizedJob(audience Audience) Job {
	return NewJob("test", audience, Payload{Text: "hello"}, 1, true)
}

func TestRunRejectsUnauthorized(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), newFakeSender(), audienceOfUsers(3), logx.Nop())
	job := NewJob("test", AudienceUsers, Payload{Text: "hi"}, 99, false)
	if _, err := e.Run(context.Background(), job); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
}

func TestRunEmptyAudience(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), newFakeSender(), &fakeAudience{}, logx.Nop())
	report, err := e.Run(context.Background(), authorizedJob(AudienceBoth))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Attempted != 0 || report.Delivered != 0 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunCompletenessWithMixedFailures(t *testing.T) {
	t.Parallel()
	const total = 100
	sender := newFakeSender()
	// 10 permanent failures.
	for id := int64(1); id <= 10; id++ {
		sender.failures[id] = []error{&transport.PermanentSendError{Reason: "blocked"}}
	}
	// 5 transient failures recovered on retry.
	for id := int64(11); id <= 15; id++ {
		sender.failures[id] = []error{errors.New("timeout")}
	}

	e := New(testConfig(), sender, audienceOfUsers(total), logx.Nop())
	report, err := e.Run(context.Background(), authorizedJob(AudienceUsers))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Attempted != total {
		t.Fatalf("Attempted = %d, want %d", report.Attempted, total)
	}
	// 85 clean sends plus the 5 recovered transients.
	if report.Delivered != 90 {
		t.Fatalf("Delivered = %d, want 90", report.Delivered)
	}
	if report.PermanentlyFailed != 10 {
		t.Fatalf("PermanentlyFailed = %d, want 10", report.PermanentlyFailed)
	}
	if report.ExhaustedRetries != 0 {
		t.Fatalf("ExhaustedRetries = %d, want 0", report.ExhaustedRetries)
	}
	if got := report.Delivered + report.PermanentlyFailed + report.ExhaustedRetries; got != report.Attempted {
		t.Fatalf("outcome sum %d != attempted %d", got, report.Attempted)
	}
	if len(report.Failed) != 10 {
		t.Fatalf("Failed list has %d entries, want 10", len(report.Failed))
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.failures[1] = []error{
		errors.New("timeout"), errors.New("timeout"),
		errors.New("timeout"), errors.New("timeout"),
	}

	cfg := testConfig()
	cfg.RetryMax = 3
	e := New(cfg, sender, audienceOfUsers(1), logx.Nop())
	report, err := e.Run(context.Background(), authorizedJob(AudienceUsers))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ExhaustedRetries != 1 || report.Delivered != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := len(sender.attemptTimes(1)); got != 4 {
		t.Fatalf("attempts = %d, want 4 (initial + 3 retries)", got)
	}
	if len(report.Failed) != 1 || report.Failed[0].Permanent {
		t.Fatalf("unexpected failed entry: %+v", report.Failed)
	}
}

func TestRunHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	const wait = 80 * time.Millisecond
	sender := newFakeSender()
	sender.failures[1] = []error{&transport.RateLimitedError{RetryAfter: wait}}

	e := New(testConfig(), sender, audienceOfUsers(1), logx.Nop())
	report, err := e.Run(context.Background(), authorizedJob(AudienceUsers))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Delivered != 1 {
		t.Fatalf("Delivered = %d, want 1", report.Delivered)
	}

	times := sender.attemptTimes(1)
	if len(times) != 2 {
		t.Fatalf("attempts = %d, want 2", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < wait {
		t.Fatalf("retry fired after %v, want at least %v", gap, wait)
	}
}

func TestRunRateLimitPausesOnlyThatWorker(t *testing.T) {
	t.Parallel()
	const wait = 150 * time.Millisecond
	sender := newFakeSender()
	sender.failures[1] = []error{&transport.RateLimitedError{RetryAfter: wait}}

	cfg := testConfig()
	cfg.Workers = 2
	e := New(cfg, sender, audienceOfUsers(10), logx.Nop())

	start := time.Now()
	report, err := e.Run(context.Background(), authorizedJob(AudienceUsers))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Delivered != 10 {
		t.Fatalf("Delivered = %d, want 10", report.Delivered)
	}
	// The other worker keeps going during the pause; the run should not take
	// anywhere near 10 sequential waits.
	if elapsed := time.Since(start); elapsed > 3*wait {
		t.Fatalf("run took %v; backoff appears to stall the whole pool", elapsed)
	}
}

func TestRunCancellationStillAccountsForEveryTarget(t *testing.T) {
	t.Parallel()
	const total = 50
	ctx, cancel := context.WithCancel(context.Background())

	sender := newFakeSender()
	var once sync.Once
	sender.onSend = func(chatID int64, n int) {
		once.Do(cancel)
	}

	cfg := testConfig()
	cfg.Workers = 2
	e := New(cfg, sender, audienceOfUsers(total), logx.Nop())
	report, err := e.Run(ctx, authorizedJob(AudienceUsers))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !report.Cancelled {
		t.Fatal("report should be marked cancelled")
	}
	if got := report.Delivered + report.PermanentlyFailed + report.ExhaustedRetries; got != total {
		t.Fatalf("outcome sum %d != attempted %d", got, total)
	}
	if report.Delivered >= total {
		t.Fatal("cancellation should have stopped some sends")
	}
}

func TestRunAudienceSelection(t *testing.T) {
	t.Parallel()
	aud := &fakeAudience{
		users: []registry.UserRecord{{UserID: 1}, {UserID: 2}},
		chats: []registry.ChatRecord{{ChatID: -1}},
	}
	tests := []struct {
		audience Audience
		want     int
	}{
		{AudienceUsers, 2},
		{AudienceChats, 1},
		{AudienceBoth, 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.audience), func(t *testing.T) {
			t.Parallel()
			e := New(testConfig(), newFakeSender(), aud, logx.Nop())
			report, err := e.Run(context.Background(), authorizedJob(tt.audience))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if report.Attempted != tt.want || report.Delivered != tt.want {
				t.Fatalf("report = %+v, want %d delivered", report, tt.want)
			}
		})
	}
}

func TestParseAudience(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]Audience{
		"users": AudienceUsers,
		"chats": AudienceChats,
		"both":  AudienceBoth,
		"":      AudienceBoth,
		"USERS": AudienceUsers,
	} {
		got, err := ParseAudience(raw)
		if err != nil {
			t.Fatalf("ParseAudience(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseAudience(%q) = %q, want %q", raw, got, want)
		}
	}
	if _, err := ParseAudience("everyone"); err == nil {
		t.Fatal("expected error for unknown audience")
	}
}

func TestStatusTracking(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), newFakeSender(), audienceOfUsers(5), logx.Nop())
	job := authorizedJob(AudienceUsers)
	if _, err := e.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st, ok := e.Status(job.ID)
	if !ok {
		t.Fatal("status missing after run")
	}
	if st.Running {
		t.Fatal("status still marked running")
	}
	if st.Done != 5 || st.Delivered != 5 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if jobs := e.Jobs(); len(jobs) != 1 {
		t.Fatalf("Jobs() returned %d entries, want 1", len(jobs))
	}
	if _, ok := e.Status("missing"); ok {
		t.Fatal("unknown job id should not resolve")
	}
}

func TestReportCompletenessProperty(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 7, 32} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			e := New(testConfig(), newFakeSender(), audienceOfUsers(n), logx.Nop())
			report, err := e.Run(context.Background(), authorizedJob(AudienceUsers))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got := report.Delivered + report.PermanentlyFailed + report.ExhaustedRetries; got != n {
				t.Fatalf("outcome sum %d != %d", got, n)
			}
		})
	}
}
