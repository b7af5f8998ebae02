package config

import (
	"sort"
	"strings"

	"hearthbot/pkg/logx"
)

// Change summarises a reload. Fields never carry secrets.
type Change struct {
	Sections []string
	// RestartRequired lists changed sections that only take effect on restart.
	RestartRequired []string
	Fields          []logx.Field
}

// LiveSections can be applied without restarting.
var LiveSections = map[string]bool{"logging": true}

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Fields = append(ch.Fields, fields...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) || o.LogChatID != n.LogChatID {
		mark("telegram",
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.String("telegram.poll_timeout", n.PollTimeout),
			logx.Bool("telegram.log_chat_set", n.LogChatID != 0),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.chat_enabled", l.Chat.Enabled),
		)
	}
	if oldCfg.Bot != newCfg.Bot {
		b := newCfg.Bot
		mark("bot",
			logx.Int("bot.max_concurrent_handlers", b.MaxConcurrentHandlers),
			logx.Int("bot.event_queue_size", b.EventQueueSize),
			logx.Int("bot.trigger_queue_size", b.TriggerQueueSize),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.regenerate_spec", newCfg.Scheduler.RegenerateSpec),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.busy_timeout", newCfg.Storage.BusyTimeout))
	}
	ol, nl := oldCfg.LLM, newCfg.LLM
	if ol != nl {
		mark("llm",
			logx.String("llm.model", nl.Model),
			logx.Bool("llm.base_url_set", nl.BaseURL != ""),
			logx.Bool("llm.token_changed", ol.Token != nl.Token),
			logx.Int("llm.max_tool_rounds", nl.MaxToolRounds),
		)
	}

	sort.Strings(ch.Sections)
	for _, s := range ch.Sections {
		if !LiveSections[s] {
			ch.RestartRequired = append(ch.RestartRequired, s)
		}
	}
	return ch
}
