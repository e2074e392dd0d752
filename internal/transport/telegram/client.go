package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"github.com/osama-agency/telesklad-sub000/internal/transport"
	"github.com/osama-agency/telesklad-sub000/pkg/logx"
	"github.com/osama-agency/telesklad-sub000/pkg/tghtml"
)

type Config struct {
	Token string
	// RatePerSec bounds outbound sends for this credential.
	// Telegram allows ~30 msg/s per bot; keep a margin.
	RatePerSec int
	// Offline skips the getMe call on startup (used in tests).
	Offline bool
}

// Client implements transport.Client on top of telebot.
// One Client owns one bot credential and its rate-limit pool, so customer
// traffic and staff traffic can be isolated by constructing two Clients.
type Client struct {
	bot *tele.Bot
	lim *rate.Limiter
	log logx.Logger

	// send is bot.Send unless a test swaps it out.
	send func(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	c := &Client{
		bot: b,
		lim: rate.NewLimiter(rate.Limit(rps), rps),
		log: log,
	}
	c.send = b.Send
	return c, nil
}

func (c *Client) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}

	chunks := tghtml.SplitText(text, tghtml.DefaultTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var last transport.MessageRef
	for i, chunk := range chunks {
		if err := c.lim.Wait(ctx); err != nil {
			return last, err
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		}
		// Attach the keyboard only to the final chunk so the buttons land
		// under the message the customer actually acts on.
		if i == len(chunks)-1 && len(opt.Buttons) > 0 {
			sendOpt.ReplyMarkup = buildMarkup(opt.Buttons)
		}

		msg, err := c.send(chat, chunk, sendOpt)
		if err != nil {
			return last, classify(err)
		}
		last = transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
	}
	return last, nil
}

func (c *Client) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
	if err := c.bot.Delete(stored); err != nil {
		return classify(err)
	}
	return nil
}

func buildMarkup(rows [][]transport.Button) *tele.ReplyMarkup {
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, Data: b.Callback, URL: b.URL})
		}
		kb = append(kb, r)
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}

// classify maps telebot API errors onto the transport error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return rateLimited(err, flood.RetryAfter)
	}
	if errors.Is(err, tele.ErrChatNotFound) {
		return &transport.DeliveryError{Kind: transport.ErrorChatNotFound, Err: err}
	}
	if errors.Is(err, tele.ErrBlockedByUser) {
		return &transport.DeliveryError{Kind: transport.ErrorBotBlocked, Err: err}
	}

	// Telebot sometimes surfaces raw descriptions for errors it has no
	// sentinel for; fall back to substring matching before giving up.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"):
		return &transport.DeliveryError{Kind: transport.ErrorChatNotFound, Err: err}
	case strings.Contains(msg, "blocked by the user"), strings.Contains(msg, "user is deactivated"):
		return &transport.DeliveryError{Kind: transport.ErrorBotBlocked, Err: err}
	case strings.Contains(msg, "too many requests"):
		return rateLimited(err, 0)
	}
	return &transport.DeliveryError{Kind: transport.ErrorUnknown, Err: err}
}

// rateLimited wraps a 429, carrying Telegram's suggested delay forward.
// Separate from classify because telebot's FloodError has unexported fields
// and cannot be constructed outside its package.
func rateLimited(cause error, retryAfterSec int) error {
	return &transport.DeliveryError{
		Kind:       transport.ErrorRateLimited,
		RetryAfter: time.Duration(retryAfterSec) * time.Second,
		Err:        cause,
	}
}
