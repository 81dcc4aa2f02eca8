// Package app assembles the bot: configuration, logging, storage, the
// Telegram adapter, the survey services and the command router, all run
// under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"surveybot/internal/config"
	"surveybot/internal/flows"
	rtsup "surveybot/internal/runtime/supervisor"
	"surveybot/internal/state"
	"surveybot/internal/storage"
	"surveybot/internal/survey/authoring"
	"surveybot/internal/survey/collect"
	"surveybot/internal/survey/dispatch"
	"surveybot/internal/survey/enroll"
	"surveybot/internal/survey/feedback"
	"surveybot/internal/survey/retention"
	kit "surveybot/internal/transport"
	telegram "surveybot/internal/transport/telegram/adapter"
	"surveybot/internal/transport/telegram/router"
	logx "surveybot/pkg/logx"
	"surveybot/pkg/systemd"
)

const routerWorkers = 8

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *telegram.Adapter
	states  *state.Manager
	flows   *flows.Flows
	router  *router.Router

	retention *retention.Service
	retainOn  bool

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	states := state.NewManager(state.NewStore(), ad, log.With(logx.String("comp", "state")))
	collector := collect.New(states, store, ad, log)
	dispatcher := dispatch.New(store, collector,
		float64(cfg.Dispatch.RatePerSec), askAnonymity(cfg), log)
	reconciler := enroll.New(store, log)
	builder := authoring.New(store, log)

	schedule, minAge, err := mapRetentionConfig(cfg)
	if err != nil {
		return nil, err
	}
	ret := retention.New(store, schedule, minAge, log)
	fb := feedback.New(store, ad, log)

	fl := flows.New(flows.Config{
		AdminUserIDs:   cfg.Telegram.AdminUserIDs,
		AdminUsernames: cfg.Telegram.AdminUsernames,
	}, states, store, collector, dispatcher, reconciler, builder, ret, fb, log)

	rt := router.New(log, ad, fl.ResolveRole, routerWorkers)
	fl.Register(rt)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     store,
		adapter:   ad,
		states:    states,
		flows:     fl,
		router:    rt,
		retention: ret,
		retainOn:  cfg.Retention.Enabled,
		updates:   make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal
// error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.adapter.UpdateMenuCommands(a.sup.Context(), a.router.MenuCommands(router.RoleStudent)); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}

	if a.retainOn {
		if err := a.retention.Start(); err != nil {
			return err
		}
	}

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.WatchdogLoop(c, a.log)
	})
	systemd.NotifyReady(a.log)

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable subset of a validated config.
// Storage, dispatch throttle and retention schedule changes need a
// restart and are only reported.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	a.flows.SetConfig(flows.Config{
		AdminUserIDs:   cfg.Telegram.AdminUserIDs,
		AdminUsernames: cfg.Telegram.AdminUsernames,
	})

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	systemd.NotifyStopping(a.log)
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("retention", 2*time.Second, func(context.Context) error {
		if a.retainOn {
			a.retention.Stop()
		}
		return nil
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./surveybot.db"
	}
	return storage.Config{
		Driver:      "sqlite",
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapRetentionConfig(cfg *config.Config) (schedule string, minAge time.Duration, err error) {
	schedule = strings.TrimSpace(cfg.Retention.Schedule)
	if schedule == "" {
		schedule = "0 4 * * *"
	}
	minAge, err = config.ParseDurationOrDefault("retention.min_age", cfg.Retention.MinAge, 30*24*time.Hour)
	return schedule, minAge, err
}

func askAnonymity(cfg *config.Config) bool {
	if cfg.Dispatch.AnonymityChoice != nil {
		return *cfg.Dispatch.AnonymityChoice
	}
	return true
}

func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token must not be empty")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if _, _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
