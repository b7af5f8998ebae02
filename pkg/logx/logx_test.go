package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Info("hello", String("k", "v")) })
}

func TestLoggerWritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, "debug").With(String("comp", "test"))
	l.Info("fired", Int64("task_id", 7), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "fired", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 7, m["task_id"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logx_test.go")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf, "warn")
	l.Info("skip")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want Level
	}{
		{"trace", LevelTrace},
		{" DEBUG ", LevelDebug},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseLevel(tc.in, LevelInfo), tc.in)
	}
}

func TestRenderChatLine(t *testing.T) {
	t.Parallel()

	got := renderChatLine([]byte(`{"level":"error","message":"actuator dropped","user_id":5,"time":"x"}`))
	assert.Equal(t, "[ERROR] actuator dropped\n- user_id=5", got)

	assert.Equal(t, "plain text", renderChatLine([]byte("  plain text \n")))
}

type recordingSender struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSender) SendText(_ context.Context, _ int64, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestServiceChatSinkHonoursMinLevel(t *testing.T) {
	t.Parallel()

	svc, log := NewService(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 100},
	})
	t.Cleanup(func() { _ = svc.Close() })

	rec := &recordingSender{}
	svc.SetChatSender(rec)

	log.Info("not mirrored")
	log.Warn("mirrored")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	assert.Contains(t, rec.lines[0], "[WARN] mirrored")
	rec.mu.Unlock()
}
