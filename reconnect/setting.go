package reconnect

import (
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

var ErrInvalidDelay = errors.New("invalid reconnect delay")

type Policy int

const (
	Fixed Policy = iota
	Linear
	Exponential
)

func (p Policy) String() string {
	switch p {
	case Fixed:
		return "fixed"
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps "fixed", "linear" and "exponential" onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "fixed":
		return Fixed, nil
	case "linear":
		return Linear, nil
	case "exponential", "exp":
		return Exponential, nil
	}
	return 0, fmt.Errorf("unknown reconnect policy '%s'", s)
}

type Setting struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	DelayPolicy Policy

	Factor      float64 // base of the exponential policy, 2 when zero
	MaxRetryCnt int     // give up after this many consecutive failures, 0 retries forever
	Jitter      bool    // randomize exponential delays within [MinDelay, delay]
}

func (s Setting) Validate() error {
	if s.MinDelay <= 0 {
		return fmt.Errorf("%w: min delay %s must be positive", ErrInvalidDelay, s.MinDelay)
	}
	if s.MaxDelay < s.MinDelay {
		return fmt.Errorf("%w: max delay %s is less than min delay %s", ErrInvalidDelay, s.MaxDelay, s.MinDelay)
	}
	if s.DelayPolicy < Fixed || s.DelayPolicy > Exponential {
		return fmt.Errorf("%w: unknown %s", ErrInvalidDelay, s.DelayPolicy)
	}
	if s.Factor < 0 || (s.Factor > 0 && s.Factor <= 1) {
		return fmt.Errorf("%w: exponential factor %v must be greater than 1", ErrInvalidDelay, s.Factor)
	}
	if s.MaxRetryCnt < 0 {
		return fmt.Errorf("%w: max retry count %d is negative", ErrInvalidDelay, s.MaxRetryCnt)
	}
	return nil
}

// NextDelay is the delay before the attempt following `attempt` consecutive failures. The
// result always lies within [min, max].
func NextDelay(policy Policy, min, max time.Duration, attempt int) time.Duration {
	return Setting{MinDelay: min, MaxDelay: max, DelayPolicy: policy}.NextDelay(attempt)
}

func (s Setting) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if s.MaxDelay <= s.MinDelay {
		return s.MinDelay
	}

	switch s.DelayPolicy {
	case Linear:
		if attempt >= int(s.MaxDelay/s.MinDelay) {
			return s.MaxDelay
		}
		d := s.MinDelay + time.Duration(attempt)*s.MinDelay
		if d > s.MaxDelay {
			return s.MaxDelay
		}
		return d
	case Exponential:
		b := &backoff.Backoff{
			Min:    s.MinDelay,
			Max:    s.MaxDelay,
			Factor: s.Factor,
			Jitter: s.Jitter,
		}
		return b.ForAttempt(float64(attempt))
	}
	return s.MinDelay
}
