package logx

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	kit "github.com/GezzyDax/Timelith/internal/transport"
)

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertFieldMaxLen = 600
	alertStackMaxLen = 900
)

// leadKeys identify what an alert is about and are printed before the rest.
var leadKeys = []string{"comp", "schedule_id", "schedule", "channel_id", "send_log_id", "err"}

var skipKeys = map[string]bool{"time": true, "level": true, "message": true, zerolog.CallerFieldName: true}

type alert struct {
	to   kit.ChatTarget
	text string
}

// alertSink is a zerolog.LevelWriter that forwards lines at or above minLevel
// to a chat. Writes never block; a full queue or an exhausted limiter drops
// the line.
type alertSink struct {
	sender kit.Sender
	queue  chan alert

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel zerolog.Level
	limiter  *rate.Limiter
	enabled  bool

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newAlertSink(sender kit.Sender) *alertSink {
	return &alertSink{
		sender:   sender,
		queue:    make(chan alert, alertQueueSize),
		minLevel: zerolog.WarnLevel,
	}
}

func (a *alertSink) apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.enabled = cfg.Enabled
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		a.threadID = cfg.ThreadID
	}
	a.mu.Unlock()

	if cfg.Enabled && a.sender != nil {
		a.once.Do(a.start)
	}
}

func (a *alertSink) setTarget(chatID int64, threadID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chatID = chatID
	if threadID != 0 {
		a.threadID = threadID
	}
}

func (a *alertSink) hasTarget() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatID != 0
}

func (a *alertSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case it := <-a.queue:
				sctx, done := context.WithTimeout(ctx, alertSendTimeout)
				_, _ = a.sender.SendText(sctx, it.to, it.text, &kit.SendOptions{DisablePreview: true})
				done()
			}
		}
	}()
}

func (a *alertSink) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.enabled && a.sender != nil && a.chatID != 0 && level >= a.minLevel
	to := kit.ChatTarget{ChatID: a.chatID, ThreadID: a.threadID}
	lim := a.limiter
	a.mu.Unlock()

	if !ok || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alert{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// formatAlert renders one zerolog JSON line as
//
//	[LEVEL] message
//	- schedule_id=...
//	- other=...
//
// Lead keys come first in fixed order, the remaining keys sorted.
func formatAlert(p []byte) string {
	p = bytes.TrimSpace(p)
	if !gjson.ValidBytes(p) {
		return truncate(string(p), alertMaxLen)
	}
	doc := gjson.ParseBytes(p)
	if !doc.IsObject() {
		return truncate(doc.String(), alertMaxLen)
	}

	var b strings.Builder
	if lvl := doc.Get("level").String(); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(doc.Get("message").String())

	fields := map[string]string{}
	var rest []string
	doc.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if skipKeys[key] {
			return true
		}
		fields[key] = v.String()
		if !slices.Contains(leadKeys, key) {
			rest = append(rest, key)
		}
		return true
	})
	slices.Sort(rest)

	for _, k := range append(slices.Clone(leadKeys), rest...) {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, alertStackMaxLen))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, alertFieldMaxLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
