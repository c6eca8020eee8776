// Package telegram adapts the engine's Sender port onto the Telegram Bot
// API via telebot. Its main job besides the send calls is classification:
// folding telebot's error zoo into the engine's three-way Outcome.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"storebot/internal/transport"
	"storebot/pkg/logx"
)

type Config struct {
	Token string
	// ParseMode for outgoing text; defaults to HTML.
	ParseMode string
}

type Sender struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b, log: log}, nil
}

// Send delivers one payload and never returns a Go error: every result is
// expressed as an Outcome so the dispatcher has a single classification
// point.
func (s *Sender) Send(ctx context.Context, to transport.Recipient, p transport.Payload) transport.Outcome {
	if err := ctx.Err(); err != nil {
		return transport.Outcome{Kind: transport.PermanentFailure, Reason: "send aborted: " + err.Error()}
	}

	opts := &tele.SendOptions{ParseMode: s.cfg.ParseMode}
	if p.Buttons != nil {
		opts.ReplyMarkup = buildMarkup(p.Buttons)
	}

	_, err := s.bot.Send(tele.ChatID(to.ChatID), sendable(p), opts)
	if err == nil {
		return transport.Outcome{Kind: transport.Delivered}
	}
	return classify(err)
}

// sendable picks the telebot object for the payload's media type. Unknown
// media types were rejected at create time; fall back to plain text.
func sendable(p transport.Payload) interface{} {
	file := tele.File{FileID: p.MediaFileID}
	switch p.MediaType {
	case "photo":
		return &tele.Photo{File: file, Caption: p.Text}
	case "video":
		return &tele.Video{File: file, Caption: p.Text}
	case "document":
		return &tele.Document{File: file, Caption: p.Text}
	default:
		return p.Text
	}
}

func buildMarkup(rows *transport.ButtonRows) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	keyboard := make([][]tele.InlineButton, 0, len(rows.Rows))
	for _, row := range rows.Rows {
		line := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			line = append(line, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		keyboard = append(keyboard, line)
	}
	markup.InlineKeyboard = keyboard
	return markup
}

func classify(err error) transport.Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.Outcome{
			Kind:       transport.Throttled,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
		}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return transport.Outcome{Kind: transport.PermanentFailure, Reason: "blocked: " + err.Error()}
	}

	var tgErr *tele.Error
	if errors.As(err, &tgErr) && tgErr.Code == http.StatusForbidden {
		return transport.Outcome{Kind: transport.PermanentFailure, Reason: "blocked: " + err.Error()}
	}

	// Bad payloads, unknown chats, transport hiccups: all permanent for
	// this campaign. The platform offers no better signal.
	return transport.Outcome{Kind: transport.PermanentFailure, Reason: err.Error()}
}
