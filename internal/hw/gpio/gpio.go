// Package gpio abstracts the Raspberry Pi pins used for the shutter button
// and the status LED.
package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/camlux/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// PinMode indicates how a GPIO is configured.
type PinMode int

const (
	Input PinMode = iota
	Output
	InputPullUp // input with the internal pull-up enabled
)

// Driver controls GPIO pins. Implemented by the go-rpio driver on a
// Raspberry Pi and by MockDriver everywhere else.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns a MockDriver when mock is true, the go-rpio driver
// otherwise.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	}
	return NewRPiDriver()
}

// Write records one WritePin call on a MockDriver.
type Write struct {
	Pin   int
	Level Level
}

// MockDriver keeps pin state in memory. Input pins read High until set:
// an idle pulled-up button. Tests drive inputs with Set or Script.
type MockDriver struct {
	mu      sync.Mutex
	modes   map[int]PinMode
	levels  map[int]Level
	scripts map[int][]Level
	writes  []Write
	closed  bool
}

func NewMockDriver() *MockDriver {
	return &MockDriver{
		modes:   make(map[int]PinMode),
		levels:  make(map[int]Level),
		scripts: make(map[int][]Level),
	}
}

// Set fixes the level ReadPin returns for pin.
func (m *MockDriver) Set(pin int, level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[pin] = level
}

// Script queues levels returned by successive ReadPin calls on pin. Once
// the queue is empty the last level sticks.
func (m *MockDriver) Script(pin int, levels ...Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[pin] = append(m.scripts[pin], levels...)
}

// Writes returns the WritePin history.
func (m *MockDriver) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// Mode returns the configured mode of pin.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("gpio: driver closed")
	}
	m.modes[pin] = mode
	if _, ok := m.levels[pin]; !ok {
		m.levels[pin] = mode == InputPullUp
	}
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("gpio: driver closed")
	}
	m.levels[pin] = level
	m.writes = append(m.writes, Write{Pin: pin, Level: level})
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Low, fmt.Errorf("gpio: driver closed")
	}
	if q := m.scripts[pin]; len(q) > 0 {
		m.levels[pin] = q[0]
		m.scripts[pin] = q[1:]
	}
	level, ok := m.levels[pin]
	if !ok {
		level = High
	}
	return level, nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
