// Package agent answers users through an OpenAI-compatible chat model that
// acts only through tools: sending messages, reading the clock and
// scheduling reminders.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"hearthbot/internal/storage"
	"hearthbot/pkg/logx"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrToolRounds    = errors.New("tool round limit reached")
	ErrEmptyResponse = errors.New("empty model response")
)

const DefaultSystemPrompt = `You are Hearth, a warm and attentive personal assistant living in a chat app.
You never answer in plain text: every reply to the user goes through the send_message tool.
Keep messages short and natural. Use create_scheduled_task when the user asks to be reminded of something.`

type Config struct {
	BaseURL       string
	Token         string
	Model         string
	Temperature   float32
	SystemPrompt  string
	MaxToolRounds int
	// RequestTimeout bounds a single completion request; 0 leaves it to ctx.
	RequestTimeout time.Duration
	Location       *time.Location
}

// ChatClient is the part of *openai.Client the agent uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// TaskCreator persists and schedules a reminder.
type TaskCreator interface {
	AddTask(ctx context.Context, req storage.CreateTaskRequest) (storage.ScheduledTask, error)
}

type Agent struct {
	cfg    Config
	client ChatClient
	sender Sender
	tasks  TaskCreator
	log    logx.Logger
	now    func() time.Time
	tools  []openai.Tool
}

// NewClient builds the go-openai client for cfg.
func NewClient(cfg Config) *openai.Client {
	cc := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(cc)
}

func New(cfg Config, client ChatClient, sender Sender, tasks TaskCreator, log logx.Logger) *Agent {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 6
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		sender: sender,
		tasks:  tasks,
		log:    log.With(logx.String("comp", "agent")),
		now:    time.Now,
		tools:  toolDefinitions(),
	}
}

// Deal runs one conversation turn for user: the model may call tools for up
// to MaxToolRounds rounds and is done once it answers without a tool call.
func (a *Agent) Deal(ctx context.Context, user storage.User, content string) error {
	turn := &turn{user: user}
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: a.cfg.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(user, content)},
	}
	log := a.log.With(logx.Int64("user_id", user.ID))

	for round := 0; round < a.cfg.MaxToolRounds; round++ {
		msg, err := a.complete(ctx, msgs)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)

		if len(msg.ToolCalls) == 0 {
			if !turn.replied && strings.TrimSpace(msg.Content) != "" {
				// the model answered in plain text; still deliver it
				log.Debug("model skipped send_message, forwarding text")
				return a.sender.SendText(ctx, user.ID, msg.Content)
			}
			log.Debug("turn finished", logx.Int("rounds", round+1), logx.Int("sent", turn.sent))
			return nil
		}

		for _, call := range msg.ToolCalls {
			out := a.runTool(ctx, turn, call)
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    out,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}
	}
	return fmt.Errorf("user %d: %w (%d)", user.ID, ErrToolRounds, a.cfg.MaxToolRounds)
}

func (a *Agent) complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (openai.ChatCompletionMessage, error) {
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    msgs,
		Temperature: a.cfg.Temperature,
		Tools:       a.tools,
	})
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, ErrEmptyResponse
	}
	return resp.Choices[0].Message, nil
}

// BuildPrompt renders the per-turn user block the model sees.
func BuildPrompt(user storage.User, message string) string {
	var b strings.Builder
	b.WriteString("User Info:\n")
	fmt.Fprintf(&b, "- User ID: %d\n", user.ID)
	fmt.Fprintf(&b, "- Name: %s\n", user.Name)
	fmt.Fprintf(&b, "- Relation: %s\n", user.Relation)
	if p := strings.TrimSpace(user.CustomPrompt); p != "" {
		fmt.Fprintf(&b, "- Custom Prompt: %s\n", p)
	}
	fmt.Fprintf(&b, "\nUser Message: %s\n\n", message)
	b.WriteString("Reply to the user with the send_message tool.")
	return b.String()
}
