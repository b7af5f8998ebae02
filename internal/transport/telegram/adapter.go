// Package telegram adapts gopkg.in/telebot.v4 to transport.Adapter.
package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"hearthbot/internal/runtime/supervisor"
	"hearthbot/internal/transport"
	"hearthbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	out     chan<- transport.Event
	sup     *supervisor.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(botSettings(cfg))
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

// botSettings runs handlers on the poller goroutine, so a full event queue
// stalls polling instead of piling up one goroutine per update.
func botSettings(cfg Config) tele.Settings {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return tele.Settings{
		Token:       cfg.Token,
		Poller:      &tele.LongPoller{Timeout: timeout},
		Synchronous: true,
	}
}

// onText forwards a text message. The send blocks while the event queue is
// full and gives up only when the adapter stops.
func (a *Adapter) onText(c tele.Context) error {
	ev, ok := toEvent(c.Message())
	if !ok {
		return nil
	}
	a.runMu.Lock()
	out, sup := a.out, a.sup
	a.runMu.Unlock()
	if out == nil || sup == nil {
		return nil
	}
	select {
	case out <- ev:
	case <-sup.Context().Done():
		a.log.Warn("inbound message discarded during shutdown", logx.Int64("chat_id", ev.Message.ChatID))
	}
	return nil
}

func toEvent(m *tele.Message) (transport.Event, bool) {
	if m == nil || m.Sender == nil || m.Chat == nil {
		return transport.Event{}, false
	}
	return transport.Event{
		ID:   uuid.NewString(),
		Kind: transport.EventMessage,
		Message: &transport.Message{
			ID:       m.ID,
			ChatID:   m.Chat.ID,
			FromID:   m.Sender.ID,
			FromName: displayName(m.Sender),
			Text:     m.Text,
			Private:  m.Private(),
		},
	}, true
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName + " " + u.LastName))
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out = out
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	sup := a.sup

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	// telebot's Start blocks until Stop; if it returns early, poll again.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop cancels polling and waits a short grace period; long-poll requests
// in flight are not worth blocking shutdown for.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	wasRunning := a.running
	a.running = false
	a.out = nil
	a.sup = nil
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// SendText delivers text to a chat, split into chunks Telegram accepts.
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands publishes the command menu; unchanged lists are skipped.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
		list = append(list, tele.Command{Text: c.Command, Description: c.Description})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
