package gate

import (
	"context"
	"fmt"

	"gatebot/internal/registry"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// ChatProber is the slice of the platform adapter the reconciler needs.
type ChatProber interface {
	GetChat(ctx context.Context, chatID int64) (transport.ChatInfo, error)
}

type ChannelAccess struct {
	ChannelID int64
	Title     string
	Err       error
}

// AccessReport summarizes one reconciliation pass over the required channels.
type AccessReport struct {
	Checked     int
	Reachable   []ChannelAccess
	Unreachable []ChannelAccess
}

// Reconciler loads the required-channel set from the registry into memory and
// probes the bot's own visibility into each channel. Channels the bot cannot
// see are reported but stay in the set: gating fails closed for them until
// access is restored and a later pass succeeds.
type Reconciler struct {
	reg   registry.Registry
	probe ChatProber
	set   *ChannelSet
	dir   *Directory
	log   logx.Logger
}

func NewReconciler(reg registry.Registry, probe ChatProber, set *ChannelSet, dir *Directory, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{reg: reg, probe: probe, set: set, dir: dir, log: log}
}

// Reconcile replaces the in-memory channel set from the registry and probes
// each channel once. Probe failures are never fatal and are not retried here;
// the recovery path is the next scheduled or manual reconcile.
func (r *Reconciler) Reconcile(ctx context.Context) (AccessReport, error) {
	channels, err := r.reg.ListRequiredChannels(ctx)
	if err != nil {
		return AccessReport{}, fmt.Errorf("load required channels: %w", err)
	}
	r.set.Replace(channels)

	report := AccessReport{Checked: len(channels)}
	if len(channels) == 0 {
		r.log.Warn("no required channels configured; gate admits everyone")
		return report, nil
	}

	for _, ch := range channels {
		info, err := r.probe.GetChat(ctx, ch)
		if err != nil {
			r.log.Warn("required channel is not visible to the bot",
				logx.Int64("channel_id", ch),
				logx.Err(err),
			)
			report.Unreachable = append(report.Unreachable, ChannelAccess{ChannelID: ch, Err: err})
			continue
		}
		r.dir.Put(info)
		report.Reachable = append(report.Reachable, ChannelAccess{ChannelID: ch, Title: info.Title})
	}

	r.log.Info("channel reconciliation finished",
		logx.Int("checked", report.Checked),
		logx.Int("reachable", len(report.Reachable)),
		logx.Int("unreachable", len(report.Unreachable)),
	)
	return report, nil
}
