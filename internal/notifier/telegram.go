package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
}

// TelegramSender posts messages to one chat (optionally a forum topic).
// It never polls for updates.
type TelegramSender struct {
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{cfg: cfg, bot: b}, nil
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, m.Text, opt)
	return err
}
