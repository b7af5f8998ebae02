package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"

	"hearthbot/internal/storage"
	"hearthbot/pkg/logx"
)

const (
	toolSendMessage    = "send_message"
	toolCurrentTime    = "get_current_time"
	toolCreateSchedule = "create_scheduled_task"
)

// turn is the per-Deal state tools may read or update.
type turn struct {
	user    storage.User
	replied bool
	sent    int
}

func toolDefinitions() []openai.Tool {
	fn := func(name, desc string, params jsonschema.Definition) openai.Tool {
		return openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: name, Description: desc, Parameters: params},
		}
	}
	return []openai.Tool{
		fn(toolSendMessage,
			"Send one or more chat messages to a user. Each string is delivered as a separate message. "+
				"Every interaction must call this tool exactly once.",
			jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"user_id":  {Type: jsonschema.Integer, Description: "ID of the receiving user"},
					"messages": {Type: jsonschema.Array, Items: &jsonschema.Definition{Type: jsonschema.String}, Description: "Messages to send, in order"},
				},
				Required: []string{"user_id", "messages"},
			}),
		fn(toolCurrentTime,
			"Get the current local date, time and weekday.",
			jsonschema.Definition{Type: jsonschema.Object, Properties: map[string]jsonschema.Definition{}}),
		fn(toolCreateSchedule,
			"Create a reminder for a user, either once or repeating daily. Tell the user once it is created.",
			jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"user_id": {Type: jsonschema.Integer, Description: "ID of the user to remind"},
					"content": {Type: jsonschema.String, Description: "Full instruction for the reminder, e.g. 'remind the user, in a friendly way, that the meeting starts soon'"},
					"cron_expr": {Type: jsonschema.String, Description: "Six-field cron: sec min hour day month weekday. " +
						"'0 0 8 * * *' is every day at 08:00, '0 30 18 2 2 *' is February 2nd at 18:30"},
					"frequency": {Type: jsonschema.String, Enum: []string{"once", "daily"}, Description: "once fires a single time, daily repeats"},
				},
				Required: []string{"user_id", "content", "cron_expr", "frequency"},
			}),
	}
}

type toolResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// runTool never fails the turn: errors go back to the model as a result.
func (a *Agent) runTool(ctx context.Context, t *turn, call openai.ToolCall) string {
	log := a.log.With(logx.Int64("user_id", t.user.ID), logx.String("tool", call.Function.Name))
	data, err := a.dispatchTool(ctx, t, call)
	res := toolResult{Success: err == nil, Data: data}
	if err != nil {
		log.Warn("tool call failed", logx.Err(err))
		res.Error = err.Error()
	} else {
		log.Debug("tool call ok")
	}
	b, _ := json.Marshal(res)
	return string(b)
}

func (a *Agent) dispatchTool(ctx context.Context, t *turn, call openai.ToolCall) (any, error) {
	args := call.Function.Arguments
	switch call.Function.Name {
	case toolSendMessage:
		var in struct {
			UserID   int64    `json:"user_id"`
			Messages []string `json:"messages"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return a.sendMessages(ctx, t, in.UserID, in.Messages)
	case toolCurrentTime:
		now := a.now().In(a.cfg.Location)
		return map[string]string{
			"time":     now.Format("2006-01-02 15:04:05"),
			"weekday":  now.Weekday().String(),
			"timezone": now.Location().String(),
		}, nil
	case toolCreateSchedule:
		var in struct {
			UserID    int64  `json:"user_id"`
			Content   string `json:"content"`
			CronExpr  string `json:"cron_expr"`
			Frequency string `json:"frequency"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return a.createTask(ctx, t, in.UserID, in.Content, in.CronExpr, in.Frequency)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.Function.Name)
}

func decodeArgs(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// canTarget: everyone may address themselves, only the master anyone else.
func canTarget(t *turn, userID int64) bool {
	return userID == t.user.ID || t.user.Relation == storage.Master
}

func (a *Agent) sendMessages(ctx context.Context, t *turn, userID int64, msgs []string) (any, error) {
	if userID == 0 {
		userID = t.user.ID
	}
	if !canTarget(t, userID) {
		return nil, fmt.Errorf("not allowed to message user %d", userID)
	}
	sent := 0
	for _, m := range msgs {
		if strings.TrimSpace(m) == "" {
			continue
		}
		if err := a.sender.SendText(ctx, userID, m); err != nil {
			return map[string]int{"sent_count": sent}, fmt.Errorf("message %d: %w", sent+1, err)
		}
		sent++
	}
	t.replied = true
	t.sent += sent
	return map[string]int{"sent_count": sent}, nil
}

func (a *Agent) createTask(ctx context.Context, t *turn, userID int64, content, expr, freq string) (any, error) {
	if userID == 0 {
		userID = t.user.ID
	}
	if !canTarget(t, userID) {
		return nil, fmt.Errorf("not allowed to schedule for user %d", userID)
	}
	f, err := storage.ParseFrequency(freq)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	task, err := a.tasks.AddTask(ctx, storage.CreateTaskRequest{
		TargetUserID: userID,
		Frequency:    f,
		CronExpr:     expr,
		Content:      content,
		CreatedBy:    storage.ByUser,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": task.ID, "frequency": string(task.Frequency), "cron_expr": task.CronExpr}, nil
}
