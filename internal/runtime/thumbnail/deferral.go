package thumbnail

import (
	"context"
	"time"
)

// DefaultDeferDelay is the timer deferral used when no idle signal is configured.
const DefaultDeferDelay = time.Millisecond

// Deferral holds back low-priority work until the host has time for it.
type Deferral interface {
	Wait(ctx context.Context) error
}

// TimerDeferral waits a fixed delay.
type TimerDeferral struct {
	Delay time.Duration
}

func (d TimerDeferral) Wait(ctx context.Context) error {
	delay := d.Delay
	if delay <= 0 {
		delay = DefaultDeferDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IdleDeferral polls Idle until it reports true. After Timeout the work is
// admitted anyway so background jobs cannot starve.
type IdleDeferral struct {
	Idle    func() bool
	Poll    time.Duration
	Timeout time.Duration
}

func (d IdleDeferral) Wait(ctx context.Context) error {
	if d.Idle == nil {
		return TimerDeferral{}.Wait(ctx)
	}
	poll := d.Poll
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	var deadline <-chan time.Time
	if d.Timeout > 0 {
		timer := time.NewTimer(d.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if d.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
		}
	}
}
