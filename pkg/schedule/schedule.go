// Package schedule computes when a punch burst fires and paces the
// countdown notifications shown while waiting for it.
package schedule

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/saintparish4/udpunch/pkg/types"
)

const (
	// FineWindow is the remaining time under which progress is reported every FineStep.
	FineWindow = 10 * time.Second
	FineStep   = time.Second

	// CoarseStep is the progress cadence while more than FineWindow remains.
	CoarseStep = 30 * time.Second
)

// Target is the computed fire time and the delay from the moment it was computed.
type Target struct {
	At    time.Time
	Delay time.Duration
}

// Immediate reports whether the target fires without waiting.
func (t Target) Immediate() bool {
	return t.Delay <= 0
}

// Immediate returns a target that fires right away.
func Immediate(now time.Time) Target {
	return Target{At: now, Delay: 0}
}

// AtMinute returns the next occurrence of wall-clock minute m (second zero).
// A minute at or before the current one rolls forward to the next hour.
func AtMinute(now time.Time, minute int) (Target, error) {
	if err := types.ValidateMinute(minute); err != nil {
		return Target{}, err
	}

	at := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), minute, 0, 0, now.Location())
	if minute <= now.Minute() {
		at = at.Add(time.Hour)
	}

	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return Target{At: at, Delay: delay}, nil
}

// NextStep returns how long to wait before the next progress notification
// given the time remaining until the target.
func NextStep(remaining time.Duration) time.Duration {
	switch {
	case remaining <= 0:
		return 0
	case remaining < FineWindow:
		return min(FineStep, remaining)
	default:
		// land on FineWindow so the fine cadence starts on time
		return min(CoarseStep, remaining-FineWindow+FineStep)
	}
}

// Countdown paces progress notifications until a target fires. It exposes a
// timer channel so an event loop can select on it alongside other sources.
type Countdown struct {
	clock  clock.Clock
	target Target
	timer  *clock.Timer
}

// NewCountdown arms the first step of a countdown to target.
func NewCountdown(c clock.Clock, target Target) *Countdown {
	cd := &Countdown{clock: c, target: target}
	cd.timer = c.Timer(NextStep(cd.Remaining()))
	return cd
}

// C fires at each progress step and at expiry.
func (cd *Countdown) C() <-chan time.Time {
	if cd == nil || cd.timer == nil {
		return nil
	}
	return cd.timer.C
}

// Remaining is the time left until the target.
func (cd *Countdown) Remaining() time.Duration {
	return cd.target.At.Sub(cd.clock.Now())
}

// Target returns the target being counted down to.
func (cd *Countdown) Target() Target {
	return cd.target
}

// Tick is called after C fires. It reports whether the target has been
// reached; otherwise it arms the next step and returns the remaining time.
func (cd *Countdown) Tick() (time.Duration, bool) {
	remaining := cd.Remaining()
	if remaining <= 0 {
		cd.timer = nil
		return 0, true
	}
	cd.timer = cd.clock.Timer(NextStep(remaining))
	return remaining, false
}

// Stop cancels the countdown. Safe on a nil or finished countdown.
func (cd *Countdown) Stop() {
	if cd == nil || cd.timer == nil {
		return
	}
	cd.timer.Stop()
	cd.timer = nil
}
