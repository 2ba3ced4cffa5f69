// Package channel stores delivery targets and their association with
// schedules.
package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("channel not found")
	// ErrDuplicateLink is returned by Attach when the link cannot be made
	// consistent (an endpoint does not exist). Repeating a valid Attach is a
	// no-op, not an error.
	ErrDuplicateLink = errors.New("inconsistent schedule channel link")
	// ErrLastChannel is returned by Detach for the only channel of an active
	// schedule.
	ErrLastChannel = errors.New("cannot detach the last channel of an active schedule")
)

type Kind string

const (
	KindChannel    Kind = "channel"
	KindGroup      Kind = "group"
	KindSupergroup Kind = "supergroup"
	KindUser       Kind = "user"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindChannel, nil
	case KindChannel, KindGroup, KindSupergroup, KindUser:
		return k, nil
	default:
		return "", fmt.Errorf("unknown channel kind %q", s)
	}
}

// Target is a delivery destination. ExternalID is the messaging network's
// identifier (a numeric chat id or an @username) and is globally unique.
type Target struct {
	ID         string
	ExternalID string
	Name       string
	Kind       Kind
	Username   string
	Title      string
	ThreadID   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Target) DisplayName() string {
	if s := strings.TrimSpace(t.Title); s != "" {
		return s
	}
	if s := strings.TrimSpace(t.Username); s != "" {
		return "@" + strings.TrimPrefix(s, "@")
	}
	if s := strings.TrimSpace(t.Name); s != "" {
		return s
	}
	return "ID: " + t.ExternalID
}

// ChatID returns the numeric chat id when ExternalID is numeric.
func (t Target) ChatID() (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(t.ExternalID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
