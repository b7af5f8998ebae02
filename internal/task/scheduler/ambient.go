package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"hearthbot/internal/eventbus"
	"hearthbot/internal/storage"
	"hearthbot/pkg/logx"
)

// Template is an archetype of ambient reminder with an inclusive hour window.
type Template struct {
	Name      string
	Content   string
	StartHour int
	EndHour   int
}

func DefaultTemplates() []Template {
	return []Template{
		{
			Name:      "morning",
			Content:   "It is morning. Send the user a warm good-morning greeting; a word about the day ahead or a bit of encouragement is welcome.",
			StartHour: 7, EndHour: 9,
		},
		{
			Name:      "noon",
			Content:   "It is midday. Send the user a short noon greeting and remind them to take a break and have lunch.",
			StartHour: 11, EndHour: 13,
		},
		{
			Name:      "night",
			Content:   "It is evening. Wish the user a good night and sweet dreams.",
			StartHour: 21, EndHour: 23,
		},
		{
			Name:      "water",
			Content:   "In a cute, caring tone, remind the user to drink some water and stay healthy.",
			StartHour: 9, EndHour: 18,
		},
		{
			Name:      "stretch",
			Content:   "In a caring tone, remind the user to get up and move around instead of sitting too long.",
			StartHour: 10, EndHour: 17,
		},
	}
}

// CronFor draws a minute in [0,59] and an hour in the template window and
// returns "0 {minute} {hour} * * *". It depends only on t and r.
func CronFor(t Template, r *rand.Rand) string {
	lo, hi := t.StartHour, t.EndHour
	if hi < lo {
		lo, hi = hi, lo
	}
	hour := lo + r.Intn(hi-lo+1)
	minute := r.Intn(60)
	return fmt.Sprintf("0 %d %d * * *", minute, hour)
}

func (m *Manager) drawCron(t Template) string {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return CronFor(t, m.rng)
}

func (m *Manager) lockUser(id int64) func() {
	v, _ := m.userLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ensureAmbient recreates the batch of every eligible user whose batch is
// missing or was created before today.
func (m *Manager) ensureAmbient(ctx context.Context) error {
	users, err := m.users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	loc := m.location()
	today := dayOf(m.now(), loc)
	for _, u := range users {
		if u.Relation == storage.Stranger {
			continue
		}
		existing, err := m.store.ListSystemTasksForUser(ctx, u.ID)
		if err != nil {
			m.log.Error("list ambient tasks failed", logx.Int64("user_id", u.ID), logx.Err(err))
			continue
		}
		stale := len(existing) == 0
		for _, t := range existing {
			if dayOf(t.CreatedAt, loc) < today {
				stale = true
				break
			}
		}
		if !stale {
			continue
		}
		m.log.Info("recreating ambient tasks", logx.Int64("user_id", u.ID), logx.Int("previous", len(existing)))
		if _, err := m.regenerateUser(ctx, u.ID); err != nil {
			m.log.Error("ambient bootstrap failed for user", logx.Int64("user_id", u.ID), logx.Err(err))
		}
	}
	return nil
}

// RegenerateAmbient replaces the ambient batch of every non-stranger user.
// Strangers lose any batch left over from before their demotion. One user's
// failure does not stop the others.
func (m *Manager) RegenerateAmbient(ctx context.Context) {
	start := time.Now()
	m.log.Info("daily ambient regeneration")

	users, err := m.users.ListUsers(ctx)
	if err != nil {
		m.log.Error("list users failed", logx.Err(err))
		return
	}
	var created, failed int
	for _, u := range users {
		if u.Relation == storage.Stranger {
			if err := m.retireAmbient(ctx, u.ID); err != nil {
				m.log.Warn("retire stranger ambient tasks failed", logx.Int64("user_id", u.ID), logx.Err(err))
			}
			continue
		}
		n, err := m.regenerateUser(ctx, u.ID)
		created += n
		if err != nil {
			failed++
			m.log.Error("ambient regeneration failed", logx.Int64("user_id", u.ID), logx.Err(err))
		}
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.AmbientRegenerated, Data: created})
	m.log.Info("ambient regeneration done",
		logx.Int("users", len(users)), logx.Int("created", created), logx.Int("failed", failed),
		logx.Duration("took", time.Since(start)))
}

// retireAmbient deregisters and deletes a user's system tasks.
func (m *Manager) retireAmbient(ctx context.Context, userID int64) error {
	existing, err := m.store.ListSystemTasksForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	for _, t := range existing {
		m.Unschedule(t.ID)
	}
	if _, err := m.store.DeleteSystemTasksForUser(ctx, userID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// regenerateUser runs delete-then-recreate for one user. It is not atomic
// across the pair; concurrent calls for the same user are serialized.
func (m *Manager) regenerateUser(ctx context.Context, userID int64) (int, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	if err := m.retireAmbient(ctx, userID); err != nil {
		return 0, err
	}

	var errs []error
	created := 0
	for _, tpl := range m.templates {
		t, err := m.store.CreateTask(ctx, storage.CreateTaskRequest{
			TargetUserID: userID,
			Frequency:    storage.Once,
			CronExpr:     m.drawCron(tpl),
			Content:      tpl.Content,
			CreatedBy:    storage.BySystem,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("create %s: %w", tpl.Name, err))
			continue
		}
		created++
		if err := m.ScheduleTask(DescriptorOf(t)); err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", tpl.Name, err))
		}
	}
	m.log.Debug("ambient batch created", logx.Int64("user_id", userID), logx.Int("tasks", created))
	return created, errors.Join(errs...)
}

// dayOf maps t to a comparable yyyymmdd in loc.
func dayOf(t time.Time, loc *time.Location) int {
	y, mo, d := t.In(loc).Date()
	return y*10000 + int(mo)*100 + d
}
