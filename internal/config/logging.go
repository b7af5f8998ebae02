package config

import "hearthbot/pkg/logx"

// LogxConfig maps the logging section onto the log service.
func (c Config) LogxConfig() logx.Config {
	l := c.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled && c.Telegram.LogChatID != 0,
			ChatID:     c.Telegram.LogChatID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}
