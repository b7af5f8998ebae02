package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"hearthbot/internal/storage"
)

var (
	ErrInvalidCron = errors.New("invalid cron expression")
	ErrNotStarted  = errors.New("scheduler not started")
)

// DefaultRegenerateSpec fires the ambient regeneration at 01:00:00 every day.
const DefaultRegenerateSpec = "0 0 1 * * *"

type Config struct {
	Timezone       string // IANA TZ; empty means time.Local
	RegenerateSpec string
}

// TaskStore is the persistence the manager needs.
type TaskStore interface {
	CreateTask(ctx context.Context, req storage.CreateTaskRequest) (storage.ScheduledTask, error)
	DeleteTask(ctx context.Context, id int64) error
	ListEnabledTasks(ctx context.Context) ([]storage.ScheduledTask, error)
	ListSystemTasksForUser(ctx context.Context, userID int64) ([]storage.ScheduledTask, error)
	DeleteSystemTasksForUser(ctx context.Context, userID int64) (int64, error)
	MarkRun(ctx context.Context, id int64, at time.Time, next *time.Time) error
	SetNextRun(ctx context.Context, id int64, next *time.Time) error
	DisableTask(ctx context.Context, id int64) error
}

type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*storage.User, error)
	ListUsers(ctx context.Context) ([]storage.User, error)
}

// JobDescriptor is everything a firing needs; jobs carry no other state.
type JobDescriptor struct {
	TaskID       int64
	CronExpr     string
	Frequency    storage.Frequency
	TargetUserID int64
	Content      string
}

func DescriptorOf(t storage.ScheduledTask) JobDescriptor {
	return JobDescriptor{
		TaskID:       t.ID,
		CronExpr:     t.CronExpr,
		Frequency:    t.Frequency,
		TargetUserID: t.TargetUserID,
		Content:      t.Content,
	}
}

type liveJob struct {
	m     *Manager
	desc  JobDescriptor
	sched cron.Schedule
	entry cron.EntryID
}

// Run implements cron.Job.
func (j *liveJob) Run() { j.m.fire(j) }

type JobInfo struct {
	TaskID       int64
	CronExpr     string
	Frequency    storage.Frequency
	TargetUserID int64
	Next         time.Time
	Prev         time.Time
}

type Snapshot struct {
	Started  bool
	Timezone string
	Fired    uint64
	Jobs     []JobInfo
}

type Option func(*Manager)

// WithRand fixes the random source used for ambient cron generation.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rng = r
		}
	}
}

// WithClock overrides the clock used for run stamps and "today" checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithTemplates(ts []Template) Option {
	return func(m *Manager) { m.templates = append([]Template(nil), ts...) }
}
