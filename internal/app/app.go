// Package app assembles the bot: config, logging, registry, the join gate,
// the broadcast engine, and the command router, with one lifecycle for all.
package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"gatebot/internal/broadcast"
	"gatebot/internal/config"
	"gatebot/internal/gate"
	"gatebot/internal/observability/pprof"
	"gatebot/internal/registry"
	"gatebot/internal/router"
	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/transport"
	"gatebot/internal/transport/telegram"
	"gatebot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	adapter transport.Adapter
	reg     registry.Registry

	set        *gate.ChannelSet
	dir        *gate.Directory
	verifier   *gate.Verifier
	reconciler *gate.Reconciler
	gate       *gate.Controller

	engine *broadcast.Engine
	rtr    *router.Router
	cron   *cron.Cron
	prof   *pprof.Service

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.ParseDurationOrDefault(cfg.Telegram.PollTimeout, 10*time.Second),
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	reg, err := registry.Open(registry.Config{
		Driver:      cfg.Registry.Driver,
		Path:        cfg.Registry.Path,
		BusyTimeout: config.ParseDurationOrDefault(cfg.Registry.BusyTimeout, 0),
	}, logs.Logger().With(logx.String("comp", "registry")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	set := gate.NewChannelSet()
	dir := gate.NewDirectory()
	verifier := gate.NewVerifier(ad, logs.Logger().With(logx.String("comp", "gate")))
	reconciler := gate.NewReconciler(reg, ad, set, dir, logs.Logger().With(logx.String("comp", "gate")))
	ctrl := gate.NewController(reg, set, dir, verifier, ad, gateUI(cfg), logs.Logger().With(logx.String("comp", "gate")))

	engine := broadcast.New(broadcastConfig(cfg), ad, reg, logs.Logger().With(logx.String("comp", "broadcast")))

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logs,
		adapter:    ad,
		reg:        reg,
		set:        set,
		dir:        dir,
		verifier:   verifier,
		reconciler: reconciler,
		gate:       ctrl,
		engine:     engine,
		prof: pprof.New(pprof.Config{
			Enabled: cfg.Observability.Pprof.Enabled,
			Addr:    cfg.Observability.Pprof.Addr,
		}, logs.Logger()),
		updates: make(chan transport.Update, 256),
	}

	a.rtr = router.New(logs.Logger().With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs)
	a.registerRoutes()
	return a, nil
}

func gateUI(cfg *config.Config) gate.UI {
	buttons := make([]gate.LinkButton, 0, len(cfg.Gate.Welcome.Buttons))
	for _, b := range cfg.Gate.Welcome.Buttons {
		buttons = append(buttons, gate.LinkButton{Text: b.Text, URL: b.URL})
	}
	return gate.UI{
		Welcome: gate.Welcome{
			Text:     cfg.Gate.Welcome.Text,
			PhotoURL: cfg.Gate.Welcome.PhotoURL,
			Buttons:  buttons,
		},
		JoinPromptText: cfg.Gate.JoinPrompt,
		RecheckText:    cfg.Gate.RecheckButton,
	}
}

func broadcastConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		Workers:      cfg.Broadcast.Workers,
		RatePerSec:   cfg.Broadcast.RatePerSec,
		RetryMax:     cfg.Broadcast.RetryMax,
		RetryBackoff: config.ParseDurationOrDefault(cfg.Broadcast.RetryBackoff, 0),
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return err
	}

	// Prime the gate before serving any update: the channel set must reflect
	// the registry, not an empty boot state.
	rctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	report, err := a.reconciler.Reconcile(rctx)
	cancel()
	if err != nil {
		a.log.Warn("startup reconcile incomplete", logx.Err(err))
	} else {
		a.log.Info("startup reconcile done",
			logx.Int("channels", report.Checked),
			logx.Int("unreachable", len(report.Unreachable)),
		)
	}

	cfg := a.cfgm.Get()
	spec := cfg.Gate.ReconcileSchedule
	if spec == "" {
		spec = "@every 1h"
	}
	if spec != "off" {
		a.cron = cron.New()
		_, err := a.cron.AddFunc(spec, func() {
			cctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
			defer cancel()
			if _, err := a.reconciler.Reconcile(cctx); err != nil {
				a.log.Warn("periodic reconcile failed", logx.Err(err))
			}
		})
		if err != nil {
			a.sup.Cancel()
			return err
		}
		a.cron.Start()
		a.log.Info("periodic reconcile scheduled", logx.String("spec", spec))
	}

	if a.prof.Enabled() {
		a.prof.Start(a.sup.Context())
	}

	a.sup.Go("router.dispatch", func(ctx context.Context) error {
		return a.rtr.DispatchLoop(ctx, a.updates)
	})
	a.sup.Go("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})
	a.sup.Go0("config.reload", a.consumeReloads)

	// No-op outside systemd units.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

// consumeReloads re-applies the hot-reloadable parts of a committed config:
// log levels, owner list, broadcast tunables, and the gate UI texts.
func (a *App) consumeReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.rtr.SetOwners(cfg.Telegram.OwnerUserIDs)
			a.engine.Apply(broadcastConfig(cfg))
			a.gate.SetUI(gateUI(cfg))
			a.log.Info("config applied")
		}
	}
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	if a.sup != nil {
		a.sup.Cancel()
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a.prof.Stop(sctx)
	_ = a.adapter.Stop(sctx)
	if a.sup != nil {
		_ = a.sup.Wait(sctx)
	}
	err := a.reg.Close()
	_ = a.logs.Close()
	return err
}
