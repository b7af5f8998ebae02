package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbot/internal/storage"
	"hearthbot/pkg/logx"
)

// scriptedClient replays responses and records every request.
type scriptedClient struct {
	mu      sync.Mutex
	replies []openai.ChatCompletionMessage
	reqs    []openai.ChatCompletionRequest
	err     error
}

func (s *scriptedClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	if len(s.replies) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	msg := s.replies[0]
	s.replies = s.replies[1:]
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: msg}}}, nil
}

type sentMsg struct {
	chatID int64
	text   string
}

type fakeSender struct {
	sent []sentMsg
	err  error
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMsg{chatID, text})
	return nil
}

type fakeTasks struct {
	reqs []storage.CreateTaskRequest
	err  error
}

func (f *fakeTasks) AddTask(_ context.Context, req storage.CreateTaskRequest) (storage.ScheduledTask, error) {
	if f.err != nil {
		return storage.ScheduledTask{}, f.err
	}
	f.reqs = append(f.reqs, req)
	return storage.ScheduledTask{ID: int64(len(f.reqs)), Frequency: req.Frequency, CronExpr: req.CronExpr}, nil
}

func toolCall(id, name, args string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:       id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func done() openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
}

func toolResultOf(t *testing.T, req openai.ChatCompletionRequest, callID string) toolResult {
	t.Helper()
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleTool && m.ToolCallID == callID {
			var r toolResult
			require.NoError(t, json.Unmarshal([]byte(m.Content), &r))
			return r
		}
	}
	t.Fatalf("no tool result for %s", callID)
	return toolResult{}
}

var friend = storage.User{ID: 7, Name: "Mia", Relation: storage.Friend, CustomPrompt: "call me captain"}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	p := BuildPrompt(friend, "hello")
	assert.Contains(t, p, "- User ID: 7\n")
	assert.Contains(t, p, "- Relation: friend\n")
	assert.Contains(t, p, "- Custom Prompt: call me captain\n")
	assert.Contains(t, p, "User Message: hello")
	assert.Contains(t, p, "send_message")

	assert.NotContains(t, BuildPrompt(storage.User{ID: 1}, "x"), "Custom Prompt")
}

func TestDealSendsMessagesThroughTool(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{replies: []openai.ChatCompletionMessage{
		toolCall("c1", toolSendMessage, `{"user_id":7,"messages":["hi captain","how are you?"]}`),
		done(),
	}}
	sender := &fakeSender{}
	a := New(Config{Model: "m", SystemPrompt: "sys"}, client, sender, &fakeTasks{}, logx.Nop())

	require.NoError(t, a.Deal(context.Background(), friend, "hello"))
	assert.Equal(t, []sentMsg{{7, "hi captain"}, {7, "how are you?"}}, sender.sent)

	require.Len(t, client.reqs, 2)
	first := client.reqs[0]
	assert.Equal(t, "m", first.Model)
	assert.Equal(t, "sys", first.Messages[0].Content)
	assert.Len(t, first.Tools, 3)
	res := toolResultOf(t, client.reqs[1], "c1")
	assert.True(t, res.Success)
}

func TestDealCreatesScheduledTask(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{replies: []openai.ChatCompletionMessage{
		toolCall("c1", toolCreateSchedule, `{"user_id":7,"content":"remind the meeting","cron_expr":"0 0 9 * * *","frequency":"daily"}`),
		toolCall("c2", toolSendMessage, `{"user_id":7,"messages":["done"]}`),
		done(),
	}}
	tasks := &fakeTasks{}
	a := New(Config{}, client, &fakeSender{}, tasks, logx.Nop())

	require.NoError(t, a.Deal(context.Background(), friend, "remind me daily at 9"))
	require.Len(t, tasks.reqs, 1)
	assert.Equal(t, storage.CreateTaskRequest{
		TargetUserID: 7, Frequency: storage.Daily, CronExpr: "0 0 9 * * *", Content: "remind the meeting", CreatedBy: storage.ByUser,
	}, tasks.reqs[0])
}

func TestToolErrorsAreReportedToModel(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{replies: []openai.ChatCompletionMessage{
		toolCall("c1", toolCreateSchedule, `{"user_id":7,"content":"x","cron_expr":"not-a-cron","frequency":"once"}`),
		toolCall("c2", toolCreateSchedule, `{"user_id":99,"content":"x","cron_expr":"0 0 9 * * *","frequency":"once"}`),
		toolCall("c3", "web_search", `{}`),
		done(),
	}}
	tasks := &fakeTasks{err: errors.New("invalid cron expression")}
	a := New(Config{}, client, &fakeSender{}, tasks, logx.Nop())

	require.NoError(t, a.Deal(context.Background(), friend, "x"))
	last := client.reqs[len(client.reqs)-1]

	r1 := toolResultOf(t, last, "c1")
	assert.False(t, r1.Success)
	assert.Contains(t, r1.Error, "invalid cron")

	r2 := toolResultOf(t, last, "c2")
	assert.Contains(t, r2.Error, "not allowed")

	r3 := toolResultOf(t, last, "c3")
	assert.Contains(t, r3.Error, ErrUnknownTool.Error())
}

func TestMasterMayTargetOthers(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{replies: []openai.ChatCompletionMessage{
		toolCall("c1", toolSendMessage, `{"user_id":99,"messages":["psst"]}`),
		done(),
	}}
	sender := &fakeSender{}
	a := New(Config{}, client, sender, &fakeTasks{}, logx.Nop())

	boss := storage.User{ID: 1, Relation: storage.Master}
	require.NoError(t, a.Deal(context.Background(), boss, "tell 99"))
	assert.Equal(t, []sentMsg{{99, "psst"}}, sender.sent)
}

func TestPlainTextAnswerIsForwarded(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{replies: []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleAssistant, Content: "good morning!"},
	}}
	sender := &fakeSender{}
	a := New(Config{}, client, sender, &fakeTasks{}, logx.Nop())

	require.NoError(t, a.Deal(context.Background(), friend, "hi"))
	assert.Equal(t, []sentMsg{{7, "good morning!"}}, sender.sent)
}

func TestToolRoundLimit(t *testing.T) {
	t.Parallel()

	var replies []openai.ChatCompletionMessage
	for i := 0; i < 5; i++ {
		replies = append(replies, toolCall("c", toolCurrentTime, ""))
	}
	client := &scriptedClient{replies: replies}
	a := New(Config{MaxToolRounds: 3}, client, &fakeSender{}, &fakeTasks{}, logx.Nop())

	err := a.Deal(context.Background(), friend, "loop")
	require.ErrorIs(t, err, ErrToolRounds)
	assert.Len(t, client.reqs, 3)
}

func TestCurrentTimeTool(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{replies: []openai.ChatCompletionMessage{toolCall("c1", toolCurrentTime, "{}"), done()}}
	a := New(Config{Location: time.UTC}, client, &fakeSender{}, &fakeTasks{}, logx.Nop())
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, a.Deal(context.Background(), friend, "time?"))
	res := toolResultOf(t, client.reqs[1], "c1")
	data := res.Data.(map[string]any)
	assert.Equal(t, "2026-01-02 03:04:05", data["time"])
	assert.Equal(t, "Friday", data["weekday"])
}

func TestCompletionErrors(t *testing.T) {
	t.Parallel()

	a := New(Config{}, &scriptedClient{err: errors.New("503")}, &fakeSender{}, &fakeTasks{}, logx.Nop())
	assert.ErrorContains(t, a.Deal(context.Background(), friend, "x"), "503")

	a = New(Config{}, &scriptedClient{}, &fakeSender{}, &fakeTasks{}, logx.Nop())
	assert.ErrorIs(t, a.Deal(context.Background(), friend, "x"), ErrEmptyResponse)
}
