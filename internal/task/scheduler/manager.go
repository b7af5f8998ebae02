package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"hearthbot/internal/eventbus"
	"hearthbot/internal/storage"
	"hearthbot/internal/task"
	"hearthbot/pkg/logx"
)

const triggerWarnThrottle = 5 * time.Second

// Manager is the only owner of the live job registry.
type Manager struct {
	cfg      Config
	store    TaskStore
	users    UserDirectory
	triggers chan<- task.AgentTask
	log      logx.Logger
	bus      eventbus.Bus

	now       func() time.Time
	templates []Template
	rngMu     sync.Mutex
	rng       *rand.Rand

	// mu serializes structural changes of the registry. Firings run outside it.
	mu        sync.Mutex
	c         *cron.Cron
	loc       *time.Location
	jobs      map[int64]*liveJob
	regen     cron.EntryID
	runCtx    context.Context
	runCancel context.CancelFunc

	userLocks sync.Map // int64 -> *sync.Mutex

	fired    atomic.Uint64
	warnMu   sync.Mutex
	lastWarn time.Time
}

func New(cfg Config, store TaskStore, users UserDirectory, triggers chan<- task.AgentTask, log logx.Logger, bus eventbus.Bus, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if strings.TrimSpace(cfg.RegenerateSpec) == "" {
		cfg.RegenerateSpec = DefaultRegenerateSpec
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		users:     users,
		triggers:  triggers,
		log:       log.With(logx.String("comp", "scheduler")),
		bus:       bus,
		now:       time.Now,
		templates: DefaultTemplates(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		jobs:      map[int64]*liveJob{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start is idempotent. It ensures today's ambient batches, registers the daily
// regeneration job, loads every enabled task and then starts the clock.
func (m *Manager) Start(ctx context.Context) error {
	regenSched, err := ParseCron(m.cfg.RegenerateSpec)
	if err != nil {
		return fmt.Errorf("regenerate spec: %w", err)
	}

	m.mu.Lock()
	if m.c != nil {
		m.mu.Unlock()
		return nil
	}
	m.loc = loadLocation(m.cfg.Timezone, m.log)
	clog := cronLogger{log: m.log}
	m.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(m.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)
	m.runCtx, m.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	c := m.c
	m.mu.Unlock()

	m.log.Info("start requested", logx.String("tz", m.loc.String()))

	if err := m.ensureAmbient(ctx); err != nil {
		m.log.Error("ambient bootstrap failed", logx.Err(err))
	}

	m.mu.Lock()
	m.regen = c.Schedule(regenSched, cron.FuncJob(func() { m.RegenerateAmbient(m.storeCtx()) }))
	m.mu.Unlock()

	tasks, err := m.store.ListEnabledTasks(ctx)
	if err != nil {
		_ = m.Shutdown(ctx)
		return fmt.Errorf("load enabled tasks: %w", err)
	}
	loaded := 0
	for _, t := range tasks {
		if err := m.ScheduleTask(DescriptorOf(t)); err != nil {
			m.log.Error("load task failed", logx.Int64("task_id", t.ID), logx.String("cron", t.CronExpr), logx.Err(err))
			continue
		}
		loaded++
	}

	m.mu.Lock()
	if m.c != c {
		// Shutdown ran while loading; leave the captured clock stopped.
		m.mu.Unlock()
		m.log.Warn("scheduler shut down during start")
		return ErrNotStarted
	}
	c.Start()
	m.mu.Unlock()
	m.log.Info("scheduler started", logx.String("tz", m.loc.String()), logx.Int("jobs", loaded))
	return nil
}

// Shutdown stops the clock. Firings already running may finish until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	start := time.Now()
	m.mu.Lock()
	c := m.c
	cancel := m.runCancel
	m.c = nil
	m.jobs = map[int64]*liveJob{}
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	var err error
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// AddTask validates, persists and registers a new task. If registration fails
// the row is deleted again so no enabled row is left without a job.
func (m *Manager) AddTask(ctx context.Context, req storage.CreateTaskRequest) (storage.ScheduledTask, error) {
	req.CronExpr = strings.TrimSpace(req.CronExpr)
	if _, err := ParseCron(req.CronExpr); err != nil {
		return storage.ScheduledTask{}, err
	}
	if !m.started() {
		return storage.ScheduledTask{}, ErrNotStarted
	}

	t, err := m.store.CreateTask(ctx, req)
	if err != nil {
		return storage.ScheduledTask{}, fmt.Errorf("create task: %w", err)
	}
	if err := m.ScheduleTask(DescriptorOf(t)); err != nil {
		if derr := m.store.DeleteTask(context.WithoutCancel(ctx), t.ID); derr != nil {
			m.log.Error("rollback of unscheduled task failed", logx.Int64("task_id", t.ID), logx.Err(derr))
		}
		return storage.ScheduledTask{}, err
	}
	m.log.Info("task added",
		logx.Int64("task_id", t.ID), logx.Int64("user_id", t.TargetUserID),
		logx.String("cron", t.CronExpr), logx.String("frequency", string(t.Frequency)))
	return t, nil
}

// ScheduleTask registers desc, replacing any live job already bound to the same task id.
func (m *Manager) ScheduleTask(desc JobDescriptor) error {
	sched, err := ParseCron(desc.CronExpr)
	if err != nil {
		return err
	}
	if _, err := storage.ParseFrequency(string(desc.Frequency)); err != nil {
		return err
	}

	m.mu.Lock()
	if m.c == nil {
		m.mu.Unlock()
		return ErrNotStarted
	}
	if old, ok := m.jobs[desc.TaskID]; ok {
		m.c.Remove(old.entry)
	}
	j := &liveJob{m: m, desc: desc, sched: sched}
	j.entry = m.c.Schedule(sched, j)
	m.jobs[desc.TaskID] = j
	from := m.now().In(m.loc)
	m.mu.Unlock()

	next := sched.Next(from)
	if m.log.Enabled(logx.LevelDebug) {
		m.log.Debug("job registered",
			logx.Int64("task_id", desc.TaskID), logx.String("cron", desc.CronExpr),
			logx.String("next", previewNextRuns(sched, from, 3)))
	}
	if err := m.store.SetNextRun(m.storeCtx(), desc.TaskID, &next); err != nil {
		m.log.Warn("persist next run failed", logx.Int64("task_id", desc.TaskID), logx.Err(err))
	}
	return nil
}

// Unschedule removes the live job for id and reports whether one existed.
func (m *Manager) Unschedule(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false
	}
	if m.c != nil {
		m.c.Remove(j.entry)
	}
	delete(m.jobs, id)
	return true
}

// unscheduleJob removes j only while it is still the job registered for its
// task; a newer registration under the same id is left alone.
func (m *Manager) unscheduleJob(j *liveJob) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.jobs[j.desc.TaskID]; !ok || cur != j {
		return false
	}
	if m.c != nil {
		m.c.Remove(j.entry)
	}
	delete(m.jobs, j.desc.TaskID)
	return true
}

// fire is the single firing routine shared by every job.
func (m *Manager) fire(j *liveJob) {
	desc, sched := j.desc, j.sched
	ctx := m.storeCtx()
	at := m.now()
	log := m.log.With(logx.Int64("task_id", desc.TaskID), logx.Int64("user_id", desc.TargetUserID))
	log.Debug("job fired")

	if err := m.sendTrigger(ctx, task.AgentTask{TaskID: desc.TaskID, TargetUserID: desc.TargetUserID, Content: desc.Content}); err != nil {
		log.Error("trigger not delivered", logx.Err(err))
	}
	m.fired.Add(1)
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskFired, Data: desc.TaskID})

	var next *time.Time
	if desc.Frequency == storage.Daily {
		n := sched.Next(at.In(m.location()))
		next = &n
	}
	if err := m.store.MarkRun(ctx, desc.TaskID, at, next); err != nil {
		log.Error("update last run failed", logx.Err(err))
	}

	if desc.Frequency != storage.Once {
		return
	}
	if err := m.store.DisableTask(ctx, desc.TaskID); err != nil {
		log.Error("disable once task failed", logx.Err(err))
	}
	if m.unscheduleJob(j) {
		log.Debug("once task retired")
	} else {
		log.Warn("once task had no live job to remove")
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskRetired, Data: desc.TaskID})
}

// sendTrigger blocks while the trigger queue is full, warning at most every few seconds.
func (m *Manager) sendTrigger(ctx context.Context, t task.AgentTask) error {
	select {
	case m.triggers <- t:
		return nil
	default:
	}
	m.warnBackpressure(t.TaskID)
	select {
	case m.triggers <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) warnBackpressure(taskID int64) {
	now := time.Now()
	m.warnMu.Lock()
	if !m.lastWarn.IsZero() && now.Sub(m.lastWarn) < triggerWarnThrottle {
		m.warnMu.Unlock()
		return
	}
	m.lastWarn = now
	m.warnMu.Unlock()
	m.log.Warn("trigger queue full; firing waits for the actuator", logx.Int64("task_id", taskID))
}

func (m *Manager) started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.c != nil
}

func (m *Manager) location() *time.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loc == nil {
		return time.Local
	}
	return m.loc
}

// storeCtx is the context for store calls made outside a caller's request.
func (m *Manager) storeCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	c := m.c
	loc := m.loc
	jobs := make([]*liveJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	snap := Snapshot{Started: c != nil, Fired: m.fired.Load()}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	for _, j := range jobs {
		info := JobInfo{
			TaskID:       j.desc.TaskID,
			CronExpr:     j.desc.CronExpr,
			Frequency:    j.desc.Frequency,
			TargetUserID: j.desc.TargetUserID,
		}
		if c != nil {
			e := c.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		if info.Next.IsZero() && loc != nil {
			info.Next = j.sched.Next(m.now().In(loc))
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].TaskID < snap.Jobs[k].TaskID })
	return snap
}

// IsLive reports whether id currently has a registered job.
func (m *Manager) IsLive(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}
