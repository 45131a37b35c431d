package channel

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v4"
)

// DefaultTelegramCost is the base price of the telegram channel.
var DefaultTelegramCost = decimal.RequireFromString("0.002")

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token     string
	ParseMode string
	// APIURL overrides the Bot API endpoint (self-hosted API servers).
	APIURL  string
	Timeout time.Duration
	// Cost is the per-message price; nil uses DefaultTelegramCost.
	Cost *decimal.Decimal
}

// Telegram sends to a numeric chat id through the Bot API.
type Telegram struct {
	Base
	cfg TelegramConfig
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	price := DefaultTelegramCost
	if cfg.Cost != nil {
		price = *cfg.Cost
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		Base: NewBase("telegram", price),
		cfg:  cfg,
		bot:  b,
		log:  log.With(logx.String("comp", "channel.telegram")),
	}, nil
}

// Validate also requires a numeric chat id.
func (t *Telegram) Validate(n notification.Notification) bool {
	if !t.Base.Validate(n) {
		return false
	}
	_, err := strconv.ParseInt(strings.TrimSpace(n.Recipient()), 10, 64)
	return err == nil
}

// Send delivers the message in chunks. The first failing chunk stops the send
// and reports (false, nil).
func (t *Telegram) Send(ctx context.Context, n notification.Notification) (bool, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.Recipient()), 10, 64)
	if err != nil {
		return false, nil
	}
	text := n.Message()
	if s := n.Subject(); s != "" {
		text = s + "\n\n" + text
	}
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{ParseMode: t.cfg.ParseMode, DisableWebPagePreview: true}

	for i, chunk := range splitText(text, telegramTextLimit, t.cfg.ParseMode) {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}
		if _, err := t.bot.Send(chat, chunk, opt); err != nil {
			t.log.Warn("telegram send failed",
				logx.String("id", n.ID()),
				logx.Int64("chat_id", chatID),
				logx.Int("chunk", i),
				logx.Err(err),
			)
			return false, nil
		}
	}
	return true, nil
}

// splitText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML
// tags when parseMode is HTML.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
