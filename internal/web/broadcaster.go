package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Event levels understood by the page.
const (
	LevelInfo  = "info"
	LevelError = "error"
	LevelToast = "toast" // short user-facing notice (capture result)
	LevelLuma  = "luma"  // msg is the latest luminosity, two decimals
)

// StatusEvent represents a single status message for SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends {"t":"...","l":level,"msg":msg} to all subscribed clients.
// Slow clients miss messages rather than block the sender.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	data, err := json.Marshal(StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	})
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast(LevelInfo, msg)
}

// Toast broadcasts a user-facing notice.
func (b *StatusBroadcaster) Toast(msg string) {
	b.Broadcast(LevelToast, msg)
}

// BroadcastWriter returns an io.Writer that broadcasts each write, for
// teeing the debug log to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}

// LumaPublisher forwards luminosity samples to SSE clients, at most one per
// interval. Publish has the luminosity listener signature.
type LumaPublisher struct {
	b        *StatusBroadcaster
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewLumaPublisher throttles samples to one per interval.
func NewLumaPublisher(b *StatusBroadcaster, interval time.Duration) *LumaPublisher {
	return &LumaPublisher{b: b, interval: interval, now: time.Now}
}

// Publish broadcasts luma unless one was sent less than interval ago.
func (p *LumaPublisher) Publish(luma float64) {
	now := p.now()
	p.mu.Lock()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last = now
	p.mu.Unlock()
	p.b.Broadcast(LevelLuma, fmt.Sprintf("%.2f", luma))
}
