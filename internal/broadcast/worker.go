package broadcast

import (
	"context"
	"sync"
	"time"

	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomePermanent
	outcomeExhausted
)

// worker drains the target queue. After ctx is cancelled it stops issuing new
// sends but keeps draining so every snapshot member is accounted for.
func (e *Engine) worker(ctx context.Context, job Job, queue <-chan transport.ChatTarget, mu *sync.Mutex, report *Report, st *Status) {
	for t := range queue {
		var (
			res      outcome
			attempts int
			last     error
		)
		if ctx.Err() != nil {
			res, attempts, last = outcomeExhausted, 0, ctx.Err()
		} else {
			res, attempts, last = e.sendOne(ctx, job, t)
		}
		e.record(mu, report, st, t, res, attempts, last)
	}
}

// sendOne delivers the payload to a single target, retrying transient
// failures with exponential backoff up to the configured attempt budget.
// A rate-limit response naming a wait pauses this worker for at least that
// long before its next attempt.
func (e *Engine) sendOne(ctx context.Context, job Job, t transport.ChatTarget) (outcome, int, error) {
	lim, retryMax, backoff := e.snapshotTunables()

	var last error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return outcomeExhausted, attempt, err
			}
		}

		err := e.send(ctx, t, job.Payload)
		if err == nil {
			return outcomeDelivered, attempt + 1, nil
		}
		last = err

		if transport.IsPermanent(err) {
			return outcomePermanent, attempt + 1, err
		}
		if attempt == retryMax {
			break
		}

		wait := backoff << attempt
		if ra, ok := transport.IsRateLimited(err); ok && ra > wait {
			wait = ra
		}
		e.log.Debug("broadcast send retry scheduled",
			logx.String("job", job.ID),
			logx.Int64("chat_id", t.ChatID),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", wait),
			logx.Err(err),
		)
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return outcomeExhausted, attempt + 1, ctx.Err()
		case <-tmr.C:
		}
	}
	return outcomeExhausted, retryMax + 1, last
}

func (e *Engine) send(ctx context.Context, t transport.ChatTarget, p Payload) error {
	opt := &transport.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: p.Markup}
	var err error
	if p.PhotoURL != "" {
		_, err = e.sender.SendPhoto(ctx, t, p.PhotoURL, p.Text, opt)
	} else {
		_, err = e.sender.SendText(ctx, t, p.Text, opt)
	}
	return err
}

func (e *Engine) record(mu *sync.Mutex, report *Report, st *Status, t transport.ChatTarget, res outcome, attempts int, err error) {
	mu.Lock()
	switch res {
	case outcomeDelivered:
		report.Delivered++
	case outcomePermanent:
		report.PermanentlyFailed++
		report.Failed = append(report.Failed, failedTarget(t, attempts, true, err))
	case outcomeExhausted:
		report.ExhaustedRetries++
		report.Failed = append(report.Failed, failedTarget(t, attempts, false, err))
	}
	mu.Unlock()

	e.statusMu.Lock()
	st.Done++
	if res == outcomeDelivered {
		st.Delivered++
	} else {
		st.Failed++
	}
	e.statusMu.Unlock()

	if err != nil && res != outcomeDelivered {
		e.log.Warn("broadcast send failed",
			logx.Int64("chat_id", t.ChatID),
			logx.Int("attempts", attempts),
			logx.Bool("permanent", res == outcomePermanent),
			logx.Err(err),
		)
	}
}

func failedTarget(t transport.ChatTarget, attempts int, permanent bool, err error) FailedTarget {
	ft := FailedTarget{ChatID: t.ChatID, Attempts: attempts, Permanent: permanent}
	if err != nil {
		ft.Err = err.Error()
	}
	return ft
}
