// Package adapter is the Telegram transport: it delivers rendered broadcast
// messages and carries the Telegram log sink.
package adapter

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "github.com/GezzyDax/Timelith/internal/transport"
	logx "github.com/GezzyDax/Timelith/pkg/logx"
)

type Config struct {
	Token string
	// APITimeout bounds a single Bot API call. Default 10s.
	APITimeout time.Duration
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Outbound only: no poller, and Offline skips the getMe round trip.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// recipient addresses a chat by numeric id or @username.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func recipientOf(to kit.ChatTarget) tele.Recipient {
	if to.ChatID != 0 {
		return recipient(strconv.FormatInt(to.ChatID, 10))
	}
	u := strings.TrimSpace(to.Username)
	if !strings.HasPrefix(u, "@") {
		u = "@" + u
	}
	return recipient(u)
}

func parseMode(mode string) tele.ParseMode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "html":
		return tele.ModeHTML
	case "markdown":
		return tele.ModeMarkdown
	case "markdownv2":
		return tele.ModeMarkdownV2
	default:
		return tele.ModeDefault
	}
}

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
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

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "html") && end < len(rs) {
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

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. The returned ref points at the first message. Reply markup
// goes on the first message only.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if to.IsZero() {
		return kit.MessageRef{}, errors.New("telegram: empty chat target")
	}
	var markup *tele.ReplyMarkup
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		markup = rm
	}

	var first kit.MessageRef
	rcpt := recipientOf(to)
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             parseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 {
			sendOpt.ReplyMarkup = markup
		}
		msg, err := a.send(ctx, rcpt, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = refOf(msg, to)
		}
	}
	return first, nil
}

// send runs a Bot API call and gives up when ctx is done. telebot has no
// context support; an abandoned call finishes in the background under the
// client timeout.
func (a *Adapter) send(ctx context.Context, to tele.Recipient, what any, opt *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := a.bot.Send(to, what, opt)
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func refOf(msg *tele.Message, to kit.ChatTarget) kit.MessageRef {
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	if msg != nil {
		ref.MessageID = msg.ID
		if msg.Chat != nil && msg.Chat.ID != 0 {
			ref.ChatID = msg.Chat.ID
		}
	}
	return ref
}
