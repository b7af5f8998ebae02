// Package transport defines the chat-protocol neutral event and adapter types.
package transport

import "context"

type EventKind string

const (
	EventMessage EventKind = "message"
)

// Event is one inbound item from a chat client.
type Event struct {
	ID      string
	Kind    EventKind
	Message *Message
}

type Message struct {
	ID       int
	ChatID   int64
	FromID   int64
	FromName string
	Text     string
	Private  bool
}

// Adapter is a chat client. Start pushes inbound events to out until ctx ends
// or Stop is called.
type Adapter interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, chatID int64, text string) error
}

// BotCommand is a single entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
