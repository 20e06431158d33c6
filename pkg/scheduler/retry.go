package scheduler

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 10 * time.Second
)

// RetryPolicy bounds the attempts of one cycle. The budget is shared by
// the whole cycle and starts afresh for the next one.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy returns 3 attempts spaced by 10 seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultRetryAttempts, Backoff: DefaultRetryBackoff}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Do runs op until it succeeds, returns a permanent error, or the budget is
// spent. Waits between attempts run on clk and stop when ctx is done.
func (p RetryPolicy) Do(ctx context.Context, clk clock.Clock, op func() error, notify func(attempt int, err error, next time.Duration)) error {
	p = p.normalized()
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(p.Attempts-1)),
		ctx,
	)

	attempt := 0
	wrapped := func() error {
		attempt++
		return op()
	}
	var n backoff.Notify
	if notify != nil {
		n = func(err error, next time.Duration) { notify(attempt, err, next) }
	}
	return backoff.RetryNotifyWithTimer(wrapped, b, n, &clockTimer{clk: clk})
}

// clockTimer drives backoff waits from a clock.Clock so tests can use a mock.
type clockTimer struct {
	clk   clock.Clock
	timer *clock.Timer
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- t.clk.Now()
		t.c = ch
		return
	}
	t.timer = t.clk.Timer(d)
	t.c = t.timer.C
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}
