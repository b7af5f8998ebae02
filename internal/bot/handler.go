// Package bot handles inbound chat events: commands are answered directly,
// everything else becomes an agent turn.
package bot

import (
	"context"
	"fmt"
	"strings"

	"hearthbot/internal/storage"
	"hearthbot/internal/transport"
	"hearthbot/pkg/logx"
)

type Users interface {
	EnsureUser(ctx context.Context, id int64, name string) (storage.User, error)
	PromoteMaster(ctx context.Context, id int64) (storage.User, error)
	SetRelation(ctx context.Context, operatorID, userID int64, rel storage.Relation) (storage.User, error)
	SetCustomPrompt(ctx context.Context, id int64, prompt string) (storage.User, error)
}

type Tasks interface {
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]storage.ScheduledTask, error)
}

type Agent interface {
	Deal(ctx context.Context, user storage.User, content string) error
}

type Replier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Handler struct {
	users Users
	tasks Tasks
	agent Agent
	reply Replier
	log   logx.Logger
	cmds  map[string]command
}

func New(users Users, tasks Tasks, agent Agent, reply Replier, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{
		users: users,
		tasks: tasks,
		agent: agent,
		reply: reply,
		log:   log.With(logx.String("comp", "bot")),
	}
	h.cmds = h.commandTable()
	return h
}

// Handle processes one event. Only private text messages are served.
func (h *Handler) Handle(ctx context.Context, ev transport.Event) error {
	m := ev.Message
	if ev.Kind != transport.EventMessage || m == nil || !m.Private {
		return nil
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return nil
	}

	user, err := h.users.EnsureUser(ctx, m.FromID, m.FromName)
	if err != nil {
		return fmt.Errorf("ensure user %d: %w", m.FromID, err)
	}
	log := h.log.With(logx.String("event_id", ev.ID), logx.Int64("user_id", user.ID))

	if strings.HasPrefix(text, "/") {
		return h.runCommand(ctx, log, m.ChatID, user, text)
	}
	if err := h.agent.Deal(ctx, user, text); err != nil {
		log.Error("agent turn failed", logx.Err(err))
		return err
	}
	return nil
}

func (h *Handler) runCommand(ctx context.Context, log logx.Logger, chatID int64, user storage.User, text string) error {
	name, args := splitCommand(text)
	cmd, ok := h.cmds[name]
	if !ok {
		return h.reply.SendText(ctx, chatID, fmt.Sprintf("Unknown command %s. Send /help to see what I understand.", name))
	}
	out, err := cmd.run(ctx, user, args)
	if err != nil {
		log.Warn("command failed", logx.String("command", name), logx.Err(err))
		if rerr := h.reply.SendText(ctx, chatID, "Command failed: "+describe(err)); rerr != nil {
			return rerr
		}
		return err
	}
	log.Debug("command ok", logx.String("command", name))
	return h.reply.SendText(ctx, chatID, out)
}

// splitCommand turns "/cmd@botname a b" into ("/cmd", "a b").
func splitCommand(text string) (string, string) {
	name, args, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	return strings.ToLower(name), strings.TrimSpace(args)
}
