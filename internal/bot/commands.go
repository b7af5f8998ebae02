package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"hearthbot/internal/storage"
	"hearthbot/internal/transport"
)

var errUsage = errors.New("usage")

type usageError struct{ usage string }

func (e usageError) Error() string { return "usage: " + e.usage }
func (e usageError) Is(target error) bool { return target == errUsage }

type command struct {
	usage string
	desc  string
	run   func(ctx context.Context, user storage.User, args string) (string, error)
}

func (h *Handler) commandTable() map[string]command {
	help := command{usage: "/help", desc: "List commands", run: h.cmdHelp}
	return map[string]command{
		"/create_master": {usage: "/create_master", desc: "Become the master user (only while none exists)", run: h.cmdCreateMaster},
		"/prompt":        {usage: "/prompt <text>", desc: "Set extra instructions for how I talk to you; empty clears", run: h.cmdPrompt},
		"/relation":      {usage: "/relation <user_id> <master|friend|stranger>", desc: "Change a user's relation (master only)", run: h.cmdRelation},
		"/tasks":         {usage: "/tasks", desc: "List your active reminders", run: h.cmdTasks},
		"/help":          help,
		"/all":           help,
		"/start":         help,
	}
}

// Commands returns the menu entries published to the chat client.
func (h *Handler) Commands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(h.cmds))
	for name, c := range h.cmds {
		if name == "/all" || name == "/start" {
			continue
		}
		out = append(out, transport.BotCommand{Command: strings.TrimPrefix(name, "/"), Description: c.desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (h *Handler) cmdHelp(context.Context, storage.User, string) (string, error) {
	var b strings.Builder
	b.WriteString("Commands:")
	for _, c := range h.Commands() {
		fmt.Fprintf(&b, "\n%s - %s", h.cmds["/"+c.Command].usage, c.Description)
	}
	b.WriteString("\n\nAnything else you write goes straight to me.")
	return b.String(), nil
}

func (h *Handler) cmdCreateMaster(ctx context.Context, user storage.User, _ string) (string, error) {
	if _, err := h.users.PromoteMaster(ctx, user.ID); err != nil {
		return "", err
	}
	return "You are now the master user.", nil
}

func (h *Handler) cmdPrompt(ctx context.Context, user storage.User, args string) (string, error) {
	if _, err := h.users.SetCustomPrompt(ctx, user.ID, args); err != nil {
		return "", err
	}
	if args == "" {
		return "Custom prompt cleared.", nil
	}
	return "Custom prompt saved.", nil
}

func (h *Handler) cmdRelation(ctx context.Context, user storage.User, args string) (string, error) {
	usage := usageError{h.cmds["/relation"].usage}
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", usage
	}
	target, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return "", usage
	}
	rel, err := storage.ParseRelation(fields[1])
	if err != nil {
		return "", err
	}
	u, err := h.users.SetRelation(ctx, user.ID, target, rel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("User %d is now %s.", u.ID, u.Relation), nil
}

func (h *Handler) cmdTasks(ctx context.Context, user storage.User, _ string) (string, error) {
	tasks, err := h.tasks.ListTasks(ctx, storage.TaskFilter{UserID: user.ID, EnabledOnly: true})
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "You have no active reminders.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active reminders (%d):", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n#%d [%s/%s] %s", t.ID, t.Frequency, t.CreatedBy, t.CronExpr)
		if t.NextRunAt != nil {
			fmt.Fprintf(&b, " next %s", t.NextRunAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "\n  %s", clip(t.Content, 80))
	}
	return b.String(), nil
}

// describe maps store errors to short user-facing text.
func describe(err error) string {
	switch {
	case errors.Is(err, storage.ErrMasterExists):
		return "a master user already exists."
	case errors.Is(err, storage.ErrNotMaster):
		return "only the master user can do that."
	case errors.Is(err, storage.ErrNotFound):
		return "no such user."
	case errors.Is(err, storage.ErrInvalidEnum), errors.Is(err, errUsage):
		return err.Error()
	}
	return "internal error."
}

func clip(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
