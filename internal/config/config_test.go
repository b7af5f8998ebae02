package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 15s
  log_chat_id: -100
logging:
  level: debug
  console: true
  chat:
    enabled: true
    min_level: warn
scheduler:
  timezone: Asia/Shanghai
storage:
  path: /tmp/hb.db
llm:
  token: sk-test
  model: gpt-4o-mini
  temperature: 0.7
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	m := NewConfigManager(writeFile(t, "bot.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, DefaultMaxConcurrentHandlers, cfg.Bot.MaxConcurrentHandlers)
	assert.Equal(t, DefaultEventQueueSize, cfg.Bot.EventQueueSize)
	assert.Equal(t, DefaultTriggerQueueSize, cfg.Bot.TriggerQueueSize)
	assert.Equal(t, DefaultRegenerateSpec, cfg.Scheduler.RegenerateSpec)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-6)

	d, err := cfg.Durations()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d.PollTimeout)
	assert.Equal(t, 5*time.Second, d.BusyTimeout)
	assert.Zero(t, d.LLMTimeout)

	lc := cfg.LogxConfig()
	assert.True(t, lc.Chat.Enabled)
	assert.Equal(t, int64(-100), lc.Chat.ChatID)
}

func TestDecodeStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"plugins":{}}`))
	require.Error(t, err, "unknown top-level key")

	_, err = Decode("c.json", []byte(`{"telegram":{"token":"x"}} {}`))
	require.ErrorContains(t, err, "trailing data")

	_, err = Decode("c.yml", []byte("llm:\n  modle: x\n"))
	require.Error(t, err, "typo in nested key")

	cfg, err := Decode("c.yaml", []byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultStoragePath, cfg.Storage.Path)
}

func TestValidate(t *testing.T) {
	base, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(*base))

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"poll", func(c *Config) { c.Telegram.PollTimeout = "soon" }, "telegram.poll_timeout"},
		{"chat needs id", func(c *Config) { c.Telegram.LogChatID = 0 }, "log_chat_id"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"tz", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"regen five fields", func(c *Config) { c.Scheduler.RegenerateSpec = "0 1 * * *" }, "regenerate_spec"},
		{"model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }, "temperature"},
		{"handlers", func(c *Config) { c.Bot.MaxConcurrentHandlers = 0 }, "max_concurrent_handlers"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			err := Validate(c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	m := NewConfigManager(writeFile(t, "bot.json", `{"llm":{"model":"m"}}`))
	_, err := m.Load()
	require.ErrorContains(t, err, "telegram.token")
	assert.Nil(t, m.Get())
}

func TestSummarizeChange(t *testing.T) {
	a, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	b := *a
	b.Logging.Level = "warn"
	b.LLM.Token = "sk-other"

	ch := SummarizeChange(a, &b)
	assert.Equal(t, []string{"llm", "logging"}, ch.Sections)
	assert.Equal(t, []string{"llm"}, ch.RestartRequired)
	assert.NotEmpty(t, ch.Fields)

	assert.Empty(t, SummarizeChange(a, a).Sections)
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	m.publish(first) // no subscribers, no panic
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "bot.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	time.Sleep(200 * time.Millisecond)

	// invalid edits are rejected and never published
	require.NoError(t, os.WriteFile(path, []byte("telegram: {}\n"), 0o600))
	time.Sleep(600 * time.Millisecond)
	assert.Len(t, updates, 0)
	assert.Equal(t, "debug", m.Get().Logging.Level)

	edited := sampleYAML + "\nbot:\n  max_concurrent_handlers: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o600))
	select {
	case cfg := <-updates:
		assert.Equal(t, 3, cfg.Bot.MaxConcurrentHandlers)
		assert.Same(t, cfg, m.Get())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
