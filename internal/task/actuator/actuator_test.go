package actuator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbot/internal/eventbus"
	"hearthbot/internal/storage"
	"hearthbot/internal/task"
	"hearthbot/pkg/logx"
)

type fakeUsers struct {
	users map[int64]storage.User
	err   error
}

func (f fakeUsers) GetUser(_ context.Context, id int64) (*storage.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

type recordingAgent struct {
	mu       sync.Mutex
	calls    []string
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	fail     bool
	panics   bool
}

func (r *recordingAgent) Deal(ctx context.Context, u storage.User, content string) error {
	if r.inFlight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inFlight.Add(-1)
	if r.panics {
		panic("agent exploded")
	}
	time.Sleep(r.delay)
	r.mu.Lock()
	r.calls = append(r.calls, u.Name+":"+content)
	r.mu.Unlock()
	if r.fail {
		return errors.New("llm unavailable")
	}
	return ctx.Err()
}

func (r *recordingAgent) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestSerializesDeals(t *testing.T) {
	t.Parallel()

	triggers := make(chan task.AgentTask, 4)
	agent := &recordingAgent{delay: 50 * time.Millisecond}
	a := New(triggers, fakeUsers{users: map[int64]storage.User{1: {ID: 1, Name: "ann"}}}, agent, logx.Nop(), nil)

	triggers <- task.AgentTask{TargetUserID: 1, Content: "a"}
	triggers <- task.AgentTask{TargetUserID: 1, Content: "b"}
	close(triggers)

	a.Run(context.Background())

	assert.False(t, agent.overlap.Load())
	assert.Equal(t, []string{"ann:a", "ann:b"}, agent.calls)
	assert.EqualValues(t, 2, a.Stats().Delivered)
}

func TestDropsMissingUserAndKeepsGoing(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	drops, unsub := bus.Subscribe(4, eventbus.ActuatorDropped)
	defer unsub()

	triggers := make(chan task.AgentTask, 4)
	agent := &recordingAgent{}
	a := New(triggers, fakeUsers{users: map[int64]storage.User{2: {ID: 2, Name: "bo"}}}, agent, logx.Nop(), bus)

	triggers <- task.AgentTask{TargetUserID: 404, Content: "lost"}
	triggers <- task.AgentTask{TargetUserID: 2, Content: "found"}
	close(triggers)
	a.Run(context.Background())

	assert.Equal(t, []string{"bo:found"}, agent.calls)
	st := a.Stats()
	assert.EqualValues(t, 1, st.Dropped)
	assert.EqualValues(t, 1, st.Delivered)
	require.Len(t, drops, 1)
	assert.EqualValues(t, 404, (<-drops).Data.(task.AgentTask).TargetUserID)
}

func TestLookupAndAgentFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	triggers := make(chan task.AgentTask, 2)
	a := New(triggers, fakeUsers{err: errors.New("db locked")}, &recordingAgent{}, logx.Nop(), nil)
	triggers <- task.AgentTask{TargetUserID: 1}
	close(triggers)
	a.Run(context.Background())
	assert.EqualValues(t, 1, a.Stats().Dropped)

	triggers = make(chan task.AgentTask, 2)
	agent := &recordingAgent{fail: true}
	a = New(triggers, fakeUsers{users: map[int64]storage.User{1: {ID: 1}}}, agent, logx.Nop(), nil)
	triggers <- task.AgentTask{TargetUserID: 1, Content: "x"}
	close(triggers)
	a.Run(context.Background())
	assert.Equal(t, 1, agent.count())
	assert.EqualValues(t, 1, a.Stats().Failed)
}

func TestAgentPanicIsContained(t *testing.T) {
	t.Parallel()

	triggers := make(chan task.AgentTask, 1)
	a := New(triggers, fakeUsers{users: map[int64]storage.User{1: {ID: 1}}}, &recordingAgent{panics: true}, logx.Nop(), nil)
	triggers <- task.AgentTask{TargetUserID: 1}
	close(triggers)
	assert.NotPanics(t, func() { a.Run(context.Background()) })
	assert.EqualValues(t, 1, a.Stats().Failed)
}

func TestStopLetsInFlightDealFinish(t *testing.T) {
	t.Parallel()

	triggers := make(chan task.AgentTask, 1)
	agent := &recordingAgent{delay: 100 * time.Millisecond}
	a := New(triggers, fakeUsers{users: map[int64]storage.User{1: {ID: 1, Name: "cy"}}}, agent, logx.Nop(), nil)
	a.Start(context.Background())

	triggers <- task.AgentTask{TargetUserID: 1, Content: "slow"}
	require.Eventually(t, func() bool { return agent.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, 1, agent.count())
	assert.EqualValues(t, 1, a.Stats().Delivered)
}

func TestStopReportsQueuedDirectives(t *testing.T) {
	triggers := make(chan task.AgentTask, 4)
	for i := int64(1); i <= 3; i++ {
		triggers <- task.AgentTask{TaskID: i, TargetUserID: 1, Content: "x"}
	}
	var buf bytes.Buffer
	agent := &recordingAgent{}
	a := New(triggers, fakeUsers{}, agent, logx.New(&buf, "debug"), eventbus.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	assert.Empty(t, agent.calls)
	assert.Len(t, triggers, 3)
	assert.Contains(t, buf.String(), "actuator stopped with queued directives")
	assert.Contains(t, buf.String(), `"pending":3`)
}
