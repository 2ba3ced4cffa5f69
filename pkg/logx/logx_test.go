package logx

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "github.com/GezzyDax/Timelith/internal/transport"
)

type chatSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
}

func (c *chatSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	c.to = append(c.to, to)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (c *chatSender) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"Error":   zerolog.ErrorLevel,
		"":        zerolog.WarnLevel,
		"verbose": zerolog.WarnLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in, zerolog.WarnLevel), "level %q", in)
	}
}

func TestFormatAlertOrdersScheduleKeysFirst(t *testing.T) {
	line := `{"level":"warn","time":"2026-01-01T00:00:00Z","caller":"scanner.go:10","zeta":"z","alpha":1,` +
		`"send_log_id":"log-1","schedule_id":"sch-1","comp":"scanner","message":"delivery failed"}`

	got := formatAlert([]byte(line))

	assert.Equal(t, "[WARN] delivery failed\n"+
		"- comp=scanner\n"+
		"- schedule_id=sch-1\n"+
		"- send_log_id=log-1\n"+
		"- alpha=1\n"+
		"- zeta=z", got)
}

func TestFormatAlertTruncatesLongValues(t *testing.T) {
	long := strings.Repeat("x", 2000)
	got := formatAlert([]byte(`{"level":"error","message":"boom","detail":"` + long + `"}`))

	assert.True(t, strings.HasPrefix(got, "[ERROR] boom\n- detail="))
	assert.Less(t, len(got), 700)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFormatAlertPassesNonJSONThrough(t *testing.T) {
	assert.Equal(t, "plain text", formatAlert([]byte("  plain text\n")))
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	sender := &chatSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(-100123, 7)

	log = log.With(String("comp", "delivery"))
	log.Info("sent")
	log.Warn("send failed", String("channel_id", "ch-1"), Err(errors.New("flood")))

	require.Eventually(t, func() bool { return len(sender.texts()) == 1 }, time.Second, 10*time.Millisecond)
	text := sender.texts()[0]
	assert.True(t, strings.HasPrefix(text, "[WARN] send failed\n- comp=delivery\n- channel_id=ch-1\n- err=flood"), text)
	sender.mu.Lock()
	assert.Equal(t, kit.ChatTarget{ChatID: -100123, ThreadID: 7}, sender.to[0])
	sender.mu.Unlock()
}

func TestAlertSinkSilentWithoutTarget(t *testing.T) {
	sender := &chatSender{}
	svc, log := New(Config{Telegram: TelegramConfig{Enabled: true}}, sender)
	t.Cleanup(func() { _ = svc.Close() })

	log.Error("nobody listens")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sender.texts())
}

func TestFileSinkCreatesDirectory(t *testing.T) {
	path := t.TempDir() + "/nested/dir/timelith.log"
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.Info("hello", Int("n", 3))
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	data := string(raw)
	assert.Contains(t, data, `"message":"hello"`)
	assert.Contains(t, data, `"n":3`)
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("dropped", Stack("trace")) })
	assert.False(t, Nop().IsZero())
}
