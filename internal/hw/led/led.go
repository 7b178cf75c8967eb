// Package led drives the status LED that replaces on-screen toasts.
package led

import (
	"sync"
	"time"

	"github.com/cjeanneret/camlux/internal/hw/gpio"
)

// Blink counts used for capture feedback.
const (
	BlinksSaved = 1
	BlinksError = 3
)

// Indicator blinks a single LED. A nil *Indicator is valid and does nothing.
type Indicator struct {
	driver gpio.Driver
	pin    int
	period time.Duration

	mu sync.Mutex // one blink sequence at a time
}

// New configures pin as an output and switches the LED off.
func New(driver gpio.Driver, pin int, period time.Duration) (*Indicator, error) {
	if err := driver.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	if err := driver.WritePin(pin, gpio.Low); err != nil {
		return nil, err
	}
	return &Indicator{driver: driver, pin: pin, period: period}, nil
}

// Blink flashes the LED n times, each on and off for the period. It blocks
// until done.
func (i *Indicator) Blink(n int) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for k := 0; k < n; k++ {
		if err := i.driver.WritePin(i.pin, gpio.High); err != nil {
			return err
		}
		time.Sleep(i.period)
		if err := i.driver.WritePin(i.pin, gpio.Low); err != nil {
			return err
		}
		time.Sleep(i.period)
	}
	return nil
}
