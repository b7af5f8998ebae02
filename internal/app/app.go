package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"hearthbot/internal/agent"
	"hearthbot/internal/bot"
	"hearthbot/internal/config"
	"hearthbot/internal/dispatch"
	"hearthbot/internal/eventbus"
	"hearthbot/internal/runtime/supervisor"
	"hearthbot/internal/storage"
	"hearthbot/internal/task"
	"hearthbot/internal/task/actuator"
	"hearthbot/internal/task/scheduler"
	"hearthbot/internal/transport"
	"hearthbot/internal/transport/telegram"
	"hearthbot/pkg/logx"
)

// ChatAdapter is the transport surface the app drives.
type ChatAdapter interface {
	transport.Adapter
	transport.CommandMenuUpdater
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	adapter  ChatAdapter
	sched    *scheduler.Manager
	actuator *actuator.Actuator
	handler  *bot.Handler
	disp     *dispatch.Dispatcher[transport.Event]

	events       chan transport.Event
	triggers     chan task.AgentTask
	dispatchDone chan struct{}
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	durs, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: durs.PollTimeout}, bootLog)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return build(cfgm, cfg, durs, ad)
}

// build wires components around an existing adapter.
func build(cfgm *config.ConfigManager, cfg *config.Config, durs config.Durations, ad ChatAdapter) (*App, error) {
	logSvc, root := logx.NewService(cfg.LogxConfig())
	logSvc.SetChatSender(ad)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root)

	bus := eventbus.New()

	store, err := storage.Open(context.Background(), storage.Config{Path: cfg.Storage.Path, BusyTimeout: durs.BusyTimeout}, root)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	systemPrompt := ""
	if p := strings.TrimSpace(cfg.LLM.SystemPromptFile); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, fmt.Errorf("llm.system_prompt_file: %w", err)
		}
		systemPrompt = string(b)
	}

	triggers := make(chan task.AgentTask, cfg.Bot.TriggerQueueSize)
	sched := scheduler.New(scheduler.Config{
		Timezone:       cfg.Scheduler.Timezone,
		RegenerateSpec: cfg.Scheduler.RegenerateSpec,
	}, store, store, triggers, root, bus)

	agentCfg := agent.Config{
		BaseURL:        cfg.LLM.BaseURL,
		Token:          cfg.LLM.Token,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		SystemPrompt:   systemPrompt,
		MaxToolRounds:  cfg.LLM.MaxToolRounds,
		RequestTimeout: durs.LLMTimeout,
		Location:       loc,
	}
	ag := agent.New(agentCfg, agent.NewClient(agentCfg), ad, sched, root)

	act := actuator.New(triggers, store, ag, root, bus)
	handler := bot.New(store, store, ag, ad, root)
	disp := dispatch.New[transport.Event](dispatch.Config{MaxConcurrent: cfg.Bot.MaxConcurrentHandlers}, handler.Handle, root, bus)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		sched:    sched,
		actuator: act,
		handler:  handler,
		disp:     disp,
		events:   make(chan transport.Event, cfg.Bot.EventQueueSize),
		triggers: triggers,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings components up consumer first: actuator, scheduler, adapter,
// then the dispatcher.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.actuator.Start(context.WithoutCancel(runCtx))
	if err := a.sched.Start(runCtx); err != nil {
		_ = a.actuator.Stop(ctx)
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := a.adapter.Start(runCtx, a.events); err != nil {
		_ = a.sched.Shutdown(ctx)
		_ = a.actuator.Stop(ctx)
		return fmt.Errorf("adapter: %w", err)
	}
	if err := a.adapter.UpdateMenuCommands(ctx, a.handler.Commands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}

	a.dispatchDone = make(chan struct{})
	done := a.dispatchDone
	a.sup.Go("dispatch", func(c context.Context) error {
		defer close(done)
		// Stop drives shutdown via Shutdown(); a context that never ends keeps
		// supervisor cancellation from skipping the ordered stop.
		return a.disp.Run(context.WithoutCancel(c), a.events)
	})

	a.startEventLog()
	a.startConfigReload()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("jobs", len(a.sched.Snapshot().Jobs)))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

// applyConfig applies live sections and flags the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.SummarizeChange(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	a.logs.Apply(next.LogxConfig())
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config applied", fields...)
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}
}

// Stop shuts down in a fixed order: scheduler first so no new directives are
// produced, then the dispatcher (draining in-flight handlers), then the
// actuator, adapter and store. Slow agent calls delay Stop indefinitely; ctx
// only bounds the adapter, supervisor and storage steps.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Core steps wait for in-flight firings, handlers and agent calls with no
	// deadline; only the outer plumbing is time boxed.
	a.step(ctx, "scheduler", unbounded, a.sched.Shutdown)
	a.step(ctx, "dispatcher", unbounded, func(c context.Context) error {
		a.disp.Shutdown()
		if a.dispatchDone == nil {
			return nil
		}
		select {
		case <-a.dispatchDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "actuator", unbounded, a.actuator.Stop)
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// unbounded marks a stop step that waits for in-flight work however long it takes.
const unbounded time.Duration = 0

// stillWaitingEvery throttles the progress warning of unbounded steps.
var stillWaitingEvery = 10 * time.Second

// step runs one shutdown step. A bounded step (max > 0, further capped by the
// caller's deadline) that overruns is logged and left to finish in the
// background. An unbounded step ignores ctx cancellation and returns only
// once fn does.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	stepCtx := context.WithoutCancel(ctx)
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		var cancel context.CancelFunc
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

	tick := time.NewTicker(stillWaitingEvery)
	defer tick.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
			return
		case <-tick.C:
			a.log.Warn("stop step still waiting for in-flight work", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
			return
		}
	}
}
