// Package delivery fans a schedule firing out to its channels and records one
// send log per channel. Each channel is attempted independently: a slow or
// failing channel never affects its siblings.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/GezzyDax/Timelith/internal/channel"
	"github.com/GezzyDax/Timelith/internal/message"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxParallel = 8
)

// ErrNoTemplate is returned by Fire for a schedule without a usable template.
var ErrNoTemplate = errors.New("schedule has no message template")

// Request is a single message to a single channel.
type Request struct {
	SendLogID  string
	ScheduleID string
	ChannelID  string
	Target     channel.Target

	Text           string
	ParseMode      string
	DisablePreview bool
	MediaType      string
	MediaURL       string
	Buttons        [][]message.Button
}

type Result struct {
	ExternalMessageID string
}

// Deliverer sends one message. Implementations must honor ctx cancellation.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) (Result, error)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, req Request) (Result, error)

func (f DelivererFunc) Deliver(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Config bounds a firing. Zero values select the defaults; RatePerSec 0
// disables pacing.
type Config struct {
	Timeout     time.Duration
	MaxParallel int
	RatePerSec  int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	return c
}
