// Package button watches the physical shutter button.
package button

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/camlux/internal/debug"
	"github.com/cjeanneret/camlux/internal/hw/gpio"
)

// DefaultPoll is the pin sampling period.
const DefaultPoll = 5 * time.Millisecond

// Button is an active-low push button (wired to GND, pull-up enabled).
type Button struct {
	driver   gpio.Driver
	pin      int
	debounce time.Duration
	poll     time.Duration
}

// New configures pin as a pulled-up input. A level must hold for debounce
// before it counts as a state change.
func New(driver gpio.Driver, pin int, debounce time.Duration) (*Button, error) {
	if err := driver.SetupPin(pin, gpio.InputPullUp); err != nil {
		return nil, fmt.Errorf("setup button pin %d: %w", pin, err)
	}
	return &Button{driver: driver, pin: pin, debounce: debounce, poll: DefaultPoll}, nil
}

// SetPoll changes the sampling period.
func (b *Button) SetPoll(d time.Duration) {
	if d > 0 {
		b.poll = d
	}
}

// Watch polls the pin until ctx ends and calls onPress on every debounced
// press (high to low). onPress runs on the polling goroutine.
func (b *Button) Watch(ctx context.Context, onPress func()) error {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	stable := gpio.High
	candidate := stable
	var since time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			level, err := b.driver.ReadPin(b.pin)
			if err != nil {
				return fmt.Errorf("read button pin %d: %w", b.pin, err)
			}
			if level != candidate {
				candidate = level
				since = now
			}
			if candidate == stable || now.Sub(since) < b.debounce {
				continue
			}
			stable = candidate
			if stable == gpio.Low {
				debug.Press(b.pin)
				onPress()
			}
		}
	}
}
