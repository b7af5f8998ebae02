package config

// Config is the on-disk configuration (YAML or JSON). Durations are Go
// duration strings ("10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Bot       BotConfig       `json:"bot"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	LLM       LLMConfig       `json:"llm"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default 10s
	// LogChatID receives WARN+ log lines when logging.chat is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// BotConfig sizes the event pipeline.
//
// Defaults:
//   - max_concurrent_handlers: 8
//   - event_queue_size: 256
//   - trigger_queue_size: 64
type BotConfig struct {
	MaxConcurrentHandlers int `json:"max_concurrent_handlers,omitempty"`
	EventQueueSize        int `json:"event_queue_size,omitempty"`
	TriggerQueueSize      int `json:"trigger_queue_size,omitempty"`
}

type SchedulerConfig struct {
	// IANA timezone used for every cron job; empty means the host zone.
	Timezone       string `json:"timezone,omitempty"`
	RegenerateSpec string `json:"regenerate_spec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LLMConfig points at an OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL          string  `json:"base_url,omitempty"`
	Token            string  `json:"token"`
	Model            string  `json:"model"`
	Temperature      float32 `json:"temperature,omitempty"`
	SystemPromptFile string  `json:"system_prompt_file,omitempty"`
	MaxToolRounds    int     `json:"max_tool_rounds,omitempty"`
	Timeout          string  `json:"timeout,omitempty"`
}

const (
	DefaultMaxConcurrentHandlers = 8
	DefaultEventQueueSize        = 256
	DefaultTriggerQueueSize      = 64
	DefaultRegenerateSpec        = "0 0 1 * * *"
	DefaultStoragePath           = "./hearthbot.db"
)

// WithDefaults returns a copy with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.Bot.MaxConcurrentHandlers <= 0 {
		c.Bot.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	if c.Bot.EventQueueSize <= 0 {
		c.Bot.EventQueueSize = DefaultEventQueueSize
	}
	if c.Bot.TriggerQueueSize <= 0 {
		c.Bot.TriggerQueueSize = DefaultTriggerQueueSize
	}
	if c.Scheduler.RegenerateSpec == "" {
		c.Scheduler.RegenerateSpec = DefaultRegenerateSpec
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}
