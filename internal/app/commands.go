package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gatebot/internal/broadcast"
	"gatebot/internal/router"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

func (a *App) registerRoutes() {
	a.rtr.Register(
		router.Command{
			Name:        "start",
			Description: "start the bot",
			Usage:       "/start",
			Access:      router.AccessEveryone,
			Timeout:     30 * time.Second,
			Handle:      a.cmdStart,
		},
		router.Command{
			Name:        "stats",
			Description: "registry counters",
			Usage:       "/stats",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      a.cmdStats,
		},
		router.Command{
			Name:        "broadcast",
			Aliases:     []string{"bc"},
			Description: "broadcast a message",
			Usage:       `/broadcast [-audience users|chats|both] [-photo URL] <text>`,
			Access:      router.AccessOwnerOnly,
			Handle:      a.cmdBroadcast,
		},
		router.Command{
			Name:        "bstatus",
			Description: "broadcast job status",
			Usage:       "/bstatus [job-id]",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      a.cmdBroadcastStatus,
		},
		router.Command{
			Name:        "addchannel",
			Description: "require a channel for the join gate",
			Usage:       "/addchannel <channel-id>",
			Access:      router.AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      a.cmdAddChannel,
		},
		router.Command{
			Name:        "delchannel",
			Description: "drop a required channel",
			Usage:       "/delchannel <channel-id>",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      a.cmdDelChannel,
		},
		router.Command{
			Name:        "channels",
			Description: "list required channels",
			Usage:       "/channels",
			Access:      router.AccessOwnerOnly,
			Timeout:     10 * time.Second,
			Handle:      a.cmdChannels,
		},
		router.Command{
			Name:        "reconcile",
			Description: "re-probe required channels now",
			Usage:       "/reconcile",
			Access:      router.AccessOwnerOnly,
			Timeout:     60 * time.Second,
			Handle:      a.cmdReconcile,
		},
	)

	a.rtr.RegisterCallbacks(
		router.CallbackRoute{
			Scope:   "gate",
			Action:  "recheck",
			Access:  router.CallbackAccessEveryone,
			Timeout: 30 * time.Second,
			Handle: func(ctx context.Context, req *router.Request, _ string) error {
				return a.gate.HandleRecheck(ctx, req.Update.Callback)
			},
		},
		router.CallbackRoute{
			Scope:   "gate",
			Action:  "proceed",
			Access:  router.CallbackAccessEveryone,
			Timeout: 30 * time.Second,
			Handle: func(ctx context.Context, req *router.Request, _ string) error {
				return a.gate.HandleProceed(ctx, req.Update.Callback)
			},
		},
	)

	// Plain messages still register their sender so broadcasts reach chats
	// the bot merely sits in.
	a.rtr.SetFallback(a.recordContact)
}

func (a *App) cmdStart(ctx context.Context, req *router.Request) error {
	return a.gate.HandleStart(ctx, req.Update.Message)
}

func (a *App) recordContact(ctx context.Context, req *router.Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	if err := a.reg.UpsertUser(ctx, msg.FromID, msg.FromUsername); err != nil {
		return err
	}
	if msg.IsGroup {
		return a.reg.UpsertChat(ctx, msg.ChatID, msg.ChatTitle)
	}
	return nil
}

func (a *App) cmdStats(ctx context.Context, req *router.Request) error {
	st, err := a.reg.Counts(ctx)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "stats unavailable", nil)
		return err
	}
	text := fmt.Sprintf("<b>Registry</b>\nusers: %d\nchats: %d\nrequired channels: %d",
		st.Users, st.Chats, st.Channels)
	_, err = req.Adapter.SendText(ctx, req.Chat, text, &transport.SendOptions{ParseMode: "HTML"})
	return err
}

func (a *App) cmdBroadcast(ctx context.Context, req *router.Request) error {
	audience := broadcast.AudienceUsers
	if raw, ok := req.Flags["audience"]; ok {
		var err error
		audience, err = broadcast.ParseAudience(raw)
		if err != nil {
			_, _ = req.Adapter.SendText(ctx, req.Chat, err.Error(), nil)
			return err
		}
	}
	text := strings.TrimSpace(strings.Join(req.Args, " "))
	photo := req.Flags["photo"]
	if text == "" && photo == "" {
		_, err := req.Adapter.SendText(ctx, req.Chat, "usage: "+`/broadcast [-audience users|chats|both] [-photo URL] <text>`, nil)
		return err
	}

	// The router already rejected non-owners; stamp the job as authorized.
	job := broadcast.NewJob("manual", audience, broadcast.Payload{Text: text, PhotoURL: photo}, req.FromID, true)

	// A broadcast can run for minutes; detach it from the command worker and
	// report back to the requesting chat when it finishes.
	replyTo := req.Chat
	a.sup.Go0("broadcast."+job.ID, func(ctx context.Context) {
		report, err := a.engine.Run(ctx, job)
		if err != nil {
			a.log.Error("broadcast failed", logx.String("job", job.ID), logx.Err(err))
			_, _ = a.adapter.SendText(context.WithoutCancel(ctx), replyTo, "broadcast failed: "+err.Error(), nil)
			return
		}
		_, _ = a.adapter.SendText(context.WithoutCancel(ctx), replyTo, formatReport(report), &transport.SendOptions{ParseMode: "HTML"})
	})

	_, err := req.Adapter.SendText(ctx, req.Chat,
		fmt.Sprintf("broadcast <code>%s</code> started (audience: %s)", job.ID, audience),
		&transport.SendOptions{ParseMode: "HTML"})
	return err
}

func (a *App) cmdBroadcastStatus(ctx context.Context, req *router.Request) error {
	if len(req.Args) > 0 {
		id := req.Args[0]
		st, ok := a.engine.Status(id)
		if !ok {
			_, err := req.Adapter.SendText(ctx, req.Chat, "no such job: "+id, nil)
			return err
		}
		_, err := req.Adapter.SendText(ctx, req.Chat, formatStatus(st), &transport.SendOptions{ParseMode: "HTML"})
		return err
	}

	jobs := a.engine.Jobs()
	if len(jobs) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "no broadcasts yet", nil)
		return err
	}
	var b strings.Builder
	b.WriteString("<b>Broadcasts</b>\n")
	for _, st := range jobs {
		fmt.Fprintf(&b, "<code>%s</code> %s %d/%d\n", st.JobID, stateLabel(st), st.Delivered, st.Total)
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), &transport.SendOptions{ParseMode: "HTML"})
	return err
}

func (a *App) cmdAddChannel(ctx context.Context, req *router.Request) error {
	id, err := channelArg(req.Args)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /addchannel <channel-id>", nil)
		return err
	}

	if err := a.reg.UpsertChannel(ctx, id); err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "failed to store channel", nil)
		return err
	}
	a.set.Add(id)

	// Probe access right away so the owner learns about a missing bot
	// membership here, not from confused users.
	note := ""
	if info, err := a.adapter.GetChat(ctx, id); err != nil {
		note = "\nwarning: the bot cannot see this channel yet; add it as admin"
	} else {
		a.dir.Put(info)
		if info.Title != "" {
			note = "\n" + info.Title
		}
	}
	_, err = req.Adapter.SendText(ctx, req.Chat,
		fmt.Sprintf("channel %d is now required%s", id, note), nil)
	return err
}

func (a *App) cmdDelChannel(ctx context.Context, req *router.Request) error {
	id, err := channelArg(req.Args)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "usage: /delchannel <channel-id>", nil)
		return err
	}
	if err := a.reg.RemoveChannel(ctx, id); err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "failed to remove channel", nil)
		return err
	}
	removed := a.set.Remove(id)
	msg := fmt.Sprintf("channel %d removed", id)
	if !removed {
		msg = fmt.Sprintf("channel %d was not required", id)
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, msg, nil)
	return err
}

func (a *App) cmdChannels(ctx context.Context, req *router.Request) error {
	ids := a.set.Snapshot()
	if len(ids) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "no required channels; the gate admits everyone", nil)
		return err
	}
	var b strings.Builder
	b.WriteString("<b>Required channels</b>\n")
	for _, id := range ids {
		if info, ok := a.dir.Get(id); ok && info.Title != "" {
			fmt.Fprintf(&b, "%d - %s\n", id, info.Title)
		} else {
			fmt.Fprintf(&b, "%d - (unreachable)\n", id)
		}
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, strings.TrimRight(b.String(), "\n"), &transport.SendOptions{ParseMode: "HTML"})
	return err
}

func (a *App) cmdReconcile(ctx context.Context, req *router.Request) error {
	report, err := a.reconciler.Reconcile(ctx)
	if err != nil {
		_, _ = req.Adapter.SendText(ctx, req.Chat, "reconcile failed: "+err.Error(), nil)
		return err
	}
	text := fmt.Sprintf("reconciled: %d channels, %d reachable, %d unreachable",
		report.Checked, len(report.Reachable), len(report.Unreachable))
	if len(report.Unreachable) > 0 {
		var b strings.Builder
		b.WriteString(text)
		for _, acc := range report.Unreachable {
			fmt.Fprintf(&b, "\nunreachable: %d", acc.ChannelID)
		}
		text = b.String()
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func channelArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one channel id, got %d args", len(args))
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel id %q: %w", args[0], err)
	}
	return id, nil
}

func formatReport(r broadcast.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Broadcast done</b> <code>%s</code>\n", r.JobID)
	fmt.Fprintf(&b, "audience: %s\n", r.Audience)
	fmt.Fprintf(&b, "attempted: %d\ndelivered: %d\n", r.Attempted, r.Delivered)
	fmt.Fprintf(&b, "permanent failures: %d\nexhausted retries: %d\n", r.PermanentlyFailed, r.ExhaustedRetries)
	fmt.Fprintf(&b, "took: %s", r.Finished.Sub(r.Started).Round(time.Millisecond))
	if r.Cancelled {
		b.WriteString("\ncancelled before completion")
	}
	return b.String()
}

func formatStatus(st broadcast.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Broadcast</b> <code>%s</code>\n", st.JobID)
	fmt.Fprintf(&b, "state: %s\n", stateLabel(st))
	fmt.Fprintf(&b, "audience: %s\n", st.Audience)
	fmt.Fprintf(&b, "progress: %d/%d delivered, %d failed", st.Delivered, st.Total, st.Failed)
	return b.String()
}

func stateLabel(st broadcast.Status) string {
	if st.Running {
		return "running"
	}
	return "finished"
}
