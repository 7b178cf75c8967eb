package camera

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/camlux/internal/debug"
)

// MockSource produces synthetic frames for development without a camera.
// The luma level follows a slow triangle wave between 16 and 235 so the
// analyzer output visibly changes; chroma is neutral (128).
type MockSource struct {
	pool     *Pool
	interval time.Duration

	// Level returns the luma value for frame seq. Replaceable for tests.
	Level func(seq uint64) byte

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	seq     uint64
	ticker  *time.Ticker
}

// NewMockSource creates a source emitting one frame per interval
// (0 = as fast as Next is called).
func NewMockSource(pool *Pool, interval time.Duration) *MockSource {
	return &MockSource{
		pool:     pool,
		interval: interval,
		Level:    triangleLevel,
		done:     make(chan struct{}),
	}
}

func triangleLevel(seq uint64) byte {
	const period = 438 // 2 * (235-16)
	p := int(seq % period)
	if p > period/2 {
		p = period - p
	}
	return byte(16 + p)
}

func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	if m.interval > 0 {
		m.ticker = time.NewTicker(m.interval)
	}
	m.started = true
	debug.Info("Using MOCK camera (%dx%d, interval %v)", m.pool.width, m.pool.height, m.interval)
	return nil
}

func (m *MockSource) Next(ctx context.Context) (*Frame, error) {
	m.mu.Lock()
	started, ticker := m.started, m.ticker
	m.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	if ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		case <-ticker.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrClosed
		default:
		}
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	f := m.pool.Get()
	f.Seq = seq
	f.Timestamp = time.Now()
	f.TraceID = uuid.NewString()

	buf := f.Bytes()
	ySize := f.Width * f.Height
	level := m.Level(seq)
	for i := 0; i < ySize; i++ {
		buf[i] = level
	}
	for i := ySize; i < len(buf); i++ {
		buf[i] = 128
	}
	return f, nil
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	if m.ticker != nil {
		m.ticker.Stop()
	}
	debug.Trace("Mock camera closed")
	return nil
}
