package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hearthbot/internal/task/scheduler"
	"hearthbot/pkg/logx"
)

// Validate checks a defaulted config. All problems are reported together.
func Validate(c Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Chat.Enabled && c.Telegram.LogChatID == 0 {
		add("logging.chat.enabled requires telegram.log_chat_id")
	}
	for path, lvl := range map[string]string{"logging.level": c.Logging.Level, "logging.chat.min_level": c.Logging.Chat.MinLevel} {
		if lvl != "" && !validLevel(lvl) {
			add("%s: unknown level %q", path, lvl)
		}
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add("logging.file.path is required when file logging is enabled")
	}

	if c.Bot.MaxConcurrentHandlers < 1 {
		add("bot.max_concurrent_handlers must be >= 1")
	}
	if c.Bot.EventQueueSize < 1 || c.Bot.TriggerQueueSize < 1 {
		add("bot queue sizes must be >= 1")
	}

	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}
	if _, err := scheduler.ParseCron(c.Scheduler.RegenerateSpec); err != nil {
		add("scheduler.regenerate_spec: %w", err)
	}

	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(c.LLM.Model) == "" {
		add("llm.model is required")
	}
	if c.LLM.MaxToolRounds < 0 {
		add("llm.max_tool_rounds must be >= 0")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be within [0, 2]")
	}
	if _, err := ParseDurationField("llm.timeout", c.LLM.Timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validLevel(s string) bool {
	// ParseLevel falls back to the default on unknown input, so check against two defaults.
	return logx.ParseLevel(s, logx.LevelTrace) == logx.ParseLevel(s, logx.LevelError)
}
