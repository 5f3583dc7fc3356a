// Package telegram is the Telegram alert sink.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"jobwarden/internal/notifier"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token  string
	ChatID int64
	// ThreadID targets a forum topic when non-zero.
	ThreadID int
	// URL overrides the Bot API endpoint.
	URL string
}

// Sink sends alerts to one chat. It never polls for updates.
type Sink struct {
	cfg Config
	bot *tele.Bot
}

var _ notifier.Sink = (*Sink)(nil)

func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sink{cfg: cfg, bot: b}, nil
}

func (s *Sink) Name() string { return "telegram" }

// Send posts a rendered alert. telebot takes no per-call context; the
// client timeout bounds the request.
func (s *Sink) Send(ctx context.Context, a notifier.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, notifier.Format(a), &tele.SendOptions{
		DisableWebPagePreview: true,
		DisableNotification:   a.Severity == notifier.SeverityInfo,
		ThreadID:              s.cfg.ThreadID,
	})
	return err
}
