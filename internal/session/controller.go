package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type State string

const (
	StateConnecting      State = "CONNECTING"
	StateOpen            State = "OPEN"
	StateClosedRetryable State = "CLOSED_RETRYABLE"
	StateClosedTerminal  State = "CLOSED_TERMINAL"
	// StateGaveUp is terminal for this process: the retry cap was reached.
	// The session row stays active so the next start tries again.
	StateGaveUp State = "GAVE_UP"
)

type Action int

const (
	ActionRetry Action = iota
	ActionTerminal
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionTerminal:
		return "terminal"
	case ActionGiveUp:
		return "gave_up"
	}
	return "unknown"
}

type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy bounds reconnects. MaxRetries counts consecutive failed attempts
// since the last OPEN; zero means unbounded. A zero InitialDelay retries
// immediately.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
	Jitter       float64
}

// DefaultPolicy reconnects immediately and without limit. Backoff is
// opt-in through a non-zero InitialDelay.
func DefaultPolicy() Policy {
	return Policy{
		MaxDelay: time.Minute,
		Jitter:   0.5,
	}
}

// Controller tracks the connection state of one session id across
// reconnects and decides what follows a close.
type Controller struct {
	policy Policy

	mu       sync.Mutex
	state    State
	failures int
	backoff  *backoff.ExponentialBackOff
}

func NewController(p Policy) *Controller {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = p.Jitter
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Reset()
	return &Controller{policy: p, state: StateConnecting, backoff: b}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Controller) OnConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnecting
}

// OnOpen resets the retry budget.
func (c *Controller) OnOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateOpen
	c.failures = 0
	c.backoff.Reset()
}

// OnClose decides what to do about a close event, or about a reconnect
// attempt that failed before a channel existed.
func (c *Controller) OnClose(loggedOut bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if loggedOut {
		c.state = StateClosedTerminal
		return Decision{Action: ActionTerminal}
	}

	c.failures++
	if c.policy.MaxRetries > 0 && c.failures > c.policy.MaxRetries {
		c.state = StateGaveUp
		return Decision{Action: ActionGiveUp}
	}

	c.state = StateClosedRetryable
	delay := c.backoff.NextBackOff()
	if delay < 0 {
		delay = c.policy.MaxDelay
	}
	return Decision{Action: ActionRetry, Delay: delay}
}
