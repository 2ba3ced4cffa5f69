// Package sendlog records one delivery attempt per (schedule, channel) pair
// and firing, and decides retry eligibility.
package sendlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxRetries is the retry ceiling for a failed delivery.
const MaxRetries = 3

var (
	ErrNotFound = errors.New("send log not found")
	// ErrRetryExhausted is returned by a retry request for a log that is not
	// failed or has reached MaxRetries. The log is left unchanged.
	ErrRetryExhausted = errors.New("retry exhausted")
	// ErrInvalidTransition is returned when a status update does not follow
	// pending -> sending -> sent|failed.
	ErrInvalidTransition = errors.New("invalid send log transition")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusSending, StatusSent, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown send log status %q", s)
	}
}

func (s Status) Terminal() bool { return s == StatusSent || s == StatusFailed }

type Log struct {
	ID                string
	ScheduleID        string
	ChannelID         string
	AccountID         string
	Status            Status
	MessageContent    string
	ExternalMessageID string
	ErrorMessage      string
	SentAt            time.Time
	RetryCount        int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanRetry reports retry eligibility: failed and under the ceiling.
func CanRetry(l Log) bool {
	return l.Status == StatusFailed && l.RetryCount < MaxRetries
}
