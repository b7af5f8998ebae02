// Package actuator turns scheduler firings into agent calls, one at a time.
package actuator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hearthbot/internal/eventbus"
	"hearthbot/internal/storage"
	"hearthbot/internal/task"
	"hearthbot/pkg/logx"
)

type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*storage.User, error)
}

// Agent executes a directive for a user. Calls may be slow and may fail.
type Agent interface {
	Deal(ctx context.Context, user storage.User, content string) error
}

type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Actuator is the single consumer of the trigger queue.
type Actuator struct {
	triggers <-chan task.AgentTask
	users    UserDirectory
	agent    Agent
	log      logx.Logger
	bus      eventbus.Bus

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func New(triggers <-chan task.AgentTask, users UserDirectory, agent Agent, log logx.Logger, bus eventbus.Bus) *Actuator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Actuator{
		triggers: triggers,
		users:    users,
		agent:    agent,
		log:      log.With(logx.String("comp", "actuator")),
		bus:      bus,
	}
}

// Start launches Run in the background. Calling it twice is a no-op.
func (a *Actuator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	go func() {
		defer close(done)
		a.Run(runCtx)
	}()
}

// Stop ends the loop after the current directive. An in-flight Deal is not
// cancelled; Stop only stops waiting for it when ctx ends.
func (a *Actuator) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes triggers sequentially until ctx ends or the queue is closed.
func (a *Actuator) Run(ctx context.Context) {
	a.log.Info("actuator started")
	defer a.log.Info("actuator stopped")
	for {
		select {
		case <-ctx.Done():
			a.logAbandoned()
			return
		default:
		}
		select {
		case <-ctx.Done():
			a.logAbandoned()
			return
		case t, ok := <-a.triggers:
			if !ok {
				return
			}
			a.execute(context.WithoutCancel(ctx), t)
		}
	}
}

// logAbandoned reports directives still queued when the loop stops; they are not run.
func (a *Actuator) logAbandoned() {
	if n := len(a.triggers); n > 0 {
		a.log.Warn("actuator stopped with queued directives", logx.Int("pending", n))
	}
}

func (a *Actuator) execute(ctx context.Context, t task.AgentTask) {
	log := a.log.With(logx.Int64("task_id", t.TaskID), logx.Int64("user_id", t.TargetUserID))
	start := time.Now()

	user, err := a.users.GetUser(ctx, t.TargetUserID)
	switch {
	case err != nil:
		a.drop(log, t, fmt.Errorf("lookup user: %w", err))
		return
	case user == nil:
		a.drop(log, t, fmt.Errorf("user %d: %w", t.TargetUserID, storage.ErrNotFound))
		return
	}

	if err := a.deal(ctx, *user, t.Content); err != nil {
		a.failed.Add(1)
		log.Error("scheduled directive failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		a.bus.Publish(eventbus.Event{Type: eventbus.ActuatorDropped, Data: t})
		return
	}
	a.delivered.Add(1)
	log.Debug("scheduled directive delivered", logx.Duration("took", time.Since(start)))
}

func (a *Actuator) deal(ctx context.Context, u storage.User, content string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("agent panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return a.agent.Deal(ctx, u, content)
}

func (a *Actuator) drop(log logx.Logger, t task.AgentTask, err error) {
	a.dropped.Add(1)
	log.Error("scheduled directive dropped", logx.Err(err))
	a.bus.Publish(eventbus.Event{Type: eventbus.ActuatorDropped, Data: t})
}

func (a *Actuator) Stats() Stats {
	return Stats{
		Delivered: a.delivered.Load(),
		Dropped:   a.dropped.Load(),
		Failed:    a.failed.Load(),
	}
}
