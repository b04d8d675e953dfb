// Package ratelimit enforces fixed-window issuance caps per business.
//
// A window counter is reset to one when it is read after its reset time, and
// incremented otherwise while below the limit. Bursts of up to twice the limit
// across a window boundary are possible and accepted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimited is matched by every LimitError.
var ErrLimited = errors.New("rate limit exceeded")

// Window names a fixed counting period and its capacity.
type Window struct {
	Label  string
	Length time.Duration
	Limit  int64
}

// LimitError names the window that rejected a request.
type LimitError struct {
	Window  string
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s)", e.Window)
}

// Is lets callers match with errors.Is(err, ErrLimited).
func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// Limiter is satisfied by the database and redis backends.
type Limiter interface {
	CheckAndIncrement(ctx context.Context, subject string, window Window) error
}

// Minute and Day build the two standard issuance windows.
func Minute(limit int64) Window { return Window{Label: "1m", Length: time.Minute, Limit: limit} }

// Day is the long window guarding daily volume.
func Day(limit int64) Window { return Window{Label: "1d", Length: 24 * time.Hour, Limit: limit} }

// CheckAll applies every window in order and stops at the first rejection.
// Earlier windows keep their increment when a later one rejects.
func CheckAll(ctx context.Context, limiter Limiter, subject string, windows ...Window) error {
	for _, w := range windows {
		if err := limiter.CheckAndIncrement(ctx, subject, w); err != nil {
			return err
		}
	}
	return nil
}

func validate(subject string, w Window) error {
	if subject == "" {
		return fmt.Errorf("ratelimit: subject required")
	}
	if w.Label == "" || w.Length <= 0 {
		return fmt.Errorf("ratelimit: invalid window %+v", w)
	}
	if w.Limit <= 0 {
		return &LimitError{Window: w.Label}
	}
	return nil
}
