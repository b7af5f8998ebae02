package app

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbot/internal/config"
	"hearthbot/internal/dispatch"
	"hearthbot/internal/eventbus"
	"hearthbot/internal/storage"
	"hearthbot/internal/transport"
	"hearthbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	out     chan<- transport.Event
	sent    []string
	menu    []transport.BotCommand
	stopped bool
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- transport.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = cmds
	return nil
}

func (f *fakeAdapter) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bot.yaml")
	cfg := config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Logging:  config.LoggingConfig{Level: "error"},
		Storage:  config.StorageConfig{Path: filepath.Join(dir, "hb.db")},
		LLM:      config.LLMConfig{Model: "test-model", BaseURL: "http://127.0.0.1:1/v1"},
	}.WithDefaults()
	durs, err := cfg.Durations()
	require.NoError(t, err)

	ad := &fakeAdapter{}
	a, err := build(config.NewConfigManager(cfgPath), &cfg, durs, ad)
	require.NoError(t, err)
	return a, ad
}

func TestAppServesCommandsAndStopsInOrder(t *testing.T) {
	a, ad := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	ad.mu.Lock()
	out := ad.out
	menu := len(ad.menu)
	ad.mu.Unlock()
	require.NotNil(t, out)
	assert.Equal(t, 5, menu)

	out <- transport.Event{ID: "1", Kind: transport.EventMessage, Message: &transport.Message{
		ChatID: 42, FromID: 42, FromName: "bob", Text: "/create_master", Private: true,
	}}
	require.Eventually(t, func() bool { return len(ad.replies()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "You are now the master user.", ad.replies()[0])

	u, err := a.store.GetUser(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, storage.Master, u.Relation)

	// the new master gets a fresh ambient batch at the next regeneration
	a.sched.RegenerateAmbient(ctx)
	tasks, err := a.store.ListSystemTasksForUser(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, tasks, 5)

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSignal))
	assert.True(t, ad.stopped)
	assert.False(t, a.sched.Snapshot().Started)
	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still live after Stop")
	}
}

func TestApplyConfigSwapsLogging(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.store.Close()
	prev := &config.Config{Logging: config.LoggingConfig{Level: "error"}}
	next := &config.Config{Logging: config.LoggingConfig{Level: "debug"}}
	a.applyConfig(prev, next)
	assert.True(t, a.log.Enabled(logx.LevelDebug))
}

func TestStopWaitsForSlowHandler(t *testing.T) {
	prevEvery := stillWaitingEvery
	stillWaitingEvery = 50 * time.Millisecond
	defer func() { stillWaitingEvery = prevEvery }()

	a, ad := newTestApp(t)
	// the expired deadline skips the bounded storage step
	t.Cleanup(func() { _ = a.store.Close() })
	started := make(chan struct{})
	var finished atomic.Bool
	var lookupErr error
	a.disp = dispatch.New[transport.Event](dispatch.Config{MaxConcurrent: 2}, func(ctx context.Context, _ transport.Event) error {
		close(started)
		time.Sleep(400 * time.Millisecond)
		_, lookupErr = a.store.GetUser(ctx, 1)
		finished.Store(true)
		return nil
	}, logx.Nop(), eventbus.Nop{})

	require.NoError(t, a.Start(context.Background()))
	ad.mu.Lock()
	out := ad.out
	ad.mu.Unlock()
	out <- transport.Event{ID: "slow", Kind: transport.EventMessage}
	<-started

	// an already expired caller deadline must not cut the drain short
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, a.Stop(stopCtx, StopSignal))

	assert.True(t, finished.Load(), "Stop returned before the admitted handler finished")
	assert.NoError(t, lookupErr, "store closed under a running handler")
}

func TestStepBoundedOverrunContinues(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.store.Close()

	release := make(chan struct{})
	defer close(release)
	begin := time.Now()
	a.step(context.Background(), "slow", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.Less(t, time.Since(begin), time.Second)
}

func TestStepUnboundedIgnoresCallerDeadline(t *testing.T) {
	a, _ := newTestApp(t)
	defer a.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Bool
	a.step(ctx, "core", unbounded, func(c context.Context) error {
		time.Sleep(100 * time.Millisecond)
		ran.Store(c.Err() == nil)
		return nil
	})
	assert.True(t, ran.Load())
}
