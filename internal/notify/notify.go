// Package notify is the one-way outbound event channel. Delivery is
// best-effort and never blocks the trading path.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Notifier emits a human-readable event message.
type Notifier interface {
	Notify(event, message string)
}

// Noop discards every event. Used in DRY_RUN and in tests.
type Noop struct{}

func (Noop) Notify(string, string) {}

// Telegram sends events to a single chat. Sends run on their own
// goroutine; failures are logged and dropped.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

func NewTelegram(token string, chatID int64, log zerolog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		log:    log.With().Str("component", "notify").Logger(),
	}, nil
}

func (t *Telegram) Notify(event, message string) {
	go func() {
		msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("[%s] %s", event, message))
		if _, err := t.bot.Send(msg); err != nil {
			t.log.Error().Err(err).Str("event", event).Msg("Telegram send failed")
		}
	}()
}

// Recorder captures events for tests.
type Recorder struct {
	Events []string
}

func (r *Recorder) Notify(event, message string) {
	r.Events = append(r.Events, event+": "+message)
}
