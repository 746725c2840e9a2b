// Package supervisor owns groups of long-running goroutines.
//
// A Supervisor carries a context, recovers panics, and can optionally cancel
// the whole group on the first error. Restartable loops (network pollers)
// use GoRestart0 with exponential backoff.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gatebot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log           logx.Logger
	cancelOnError bool

	mu  sync.Mutex
	err error // first error observed
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the whole group when any goroutine returns an error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnError = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error observed by the group (nil if none).
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Go runs fn under the supervisor. Panics are converted to errors.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(name, fn)
		if err != nil && err != context.Canceled {
			s.log.Warn("goroutine exited with error", logx.String("name", name), logx.Err(err))
			s.setErr(err)
			if s.cancelOnError {
				s.cancel()
			}
		}
	}()
}

// Go0 runs a fire-and-forget goroutine with panic recovery.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	backoffMin time.Duration
	backoffMax time.Duration
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.backoffMin = min
		}
		if max >= c.backoffMin {
			c.backoffMax = max
		}
	}
}

// GoRestart0 runs fn in a restart loop until the supervisor context ends.
// A return (clean or panic) schedules a restart after backoff; backoff doubles
// up to the max and resets after a run that survived longer than the max.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	cfg := restartCfg{backoffMin: 500 * time.Millisecond, backoffMax: 10 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := cfg.backoffMin
		for {
			started := time.Now()
			_ = s.run(name, func(ctx context.Context) error {
				fn(ctx)
				return nil
			})
			if s.ctx.Err() != nil {
				return
			}
			if time.Since(started) > cfg.backoffMax {
				backoff = cfg.backoffMin
			}
			s.log.Debug("restarting goroutine", logx.String("name", name), logx.Duration("backoff", backoff))
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff *= 2
			if backoff > cfg.backoffMax {
				backoff = cfg.backoffMax
			}
		}
	}()
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in supervised goroutine",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn(s.ctx)
}

// Wait blocks until all goroutines have exited or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
