// Package stats derives the overall outcome of one firing from its per-channel
// delivery results.
package stats

import (
	"fmt"
	"strings"

	"github.com/GezzyDax/Timelith/internal/schedule"
	"github.com/GezzyDax/Timelith/internal/sendlog"
)

// Policy decides how mixed per-channel results count.
type Policy int

const (
	// AnySuccess counts a firing as successful when at least one channel was
	// delivered.
	AnySuccess Policy = iota
	// AllSuccess requires every channel to be delivered.
	AllSuccess
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return AnySuccess, nil
	case "all":
		return AllSuccess, nil
	default:
		return AnySuccess, fmt.Errorf("unknown success policy %q (use any|all)", s)
	}
}

func (p Policy) String() string {
	if p == AllSuccess {
		return "all"
	}
	return "any"
}

// Aggregate folds the final statuses of one firing into an Outcome. Logs
// that did not reach a terminal status count as failed. An empty set is a
// failure under both policies.
func Aggregate(logs []sendlog.Log, p Policy) schedule.Outcome {
	var out schedule.Outcome
	for _, l := range logs {
		if l.Status == sendlog.StatusSent {
			out.Sent++
		} else {
			out.Failed++
		}
	}
	switch {
	case len(logs) == 0:
		out.Success = false
	case p == AllSuccess:
		out.Success = out.Failed == 0
	default:
		out.Success = out.Sent > 0
	}
	return out
}
