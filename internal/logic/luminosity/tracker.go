package luminosity

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Snapshot is a point-in-time view of recent luminosity samples.
type Snapshot struct {
	Count   uint64    `json:"count"` // samples seen since start
	Last    float64   `json:"last"`
	LastAt  time.Time `json:"last_at"`
	Mean    float64   `json:"mean"`   // over Samples
	StdDev  float64   `json:"stddev"` // over Samples, 0 with fewer than 2
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Samples []float64 `json:"samples"` // oldest first
}

// Tracker keeps a bounded window of samples. Its Record method is a Listener,
// so history lives here and not in the Analyzer.
type Tracker struct {
	mu       sync.Mutex
	ring     []float64
	next     int
	full     bool
	count    uint64
	last     float64
	lastAt   time.Time
	onSample func(float64)
	now      func() time.Time
}

// NewTracker keeps the last size samples (size <= 0 means 1).
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = 1
	}
	return &Tracker{ring: make([]float64, size), now: time.Now}
}

// OnSample registers fn to be called after every recorded sample.
func (t *Tracker) OnSample(fn func(luma float64)) {
	t.mu.Lock()
	t.onSample = fn
	t.mu.Unlock()
}

// Record stores one sample.
func (t *Tracker) Record(luma float64) {
	t.mu.Lock()
	t.ring[t.next] = luma
	t.next++
	if t.next == len(t.ring) {
		t.next = 0
		t.full = true
	}
	t.count++
	t.last = luma
	t.lastAt = t.now()
	fn := t.onSample
	t.mu.Unlock()

	if fn != nil {
		fn(luma)
	}
}

// Snapshot returns the current window and its statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	var samples []float64
	if t.full {
		samples = make([]float64, 0, len(t.ring))
		samples = append(samples, t.ring[t.next:]...)
		samples = append(samples, t.ring[:t.next]...)
	} else {
		samples = append([]float64(nil), t.ring[:t.next]...)
	}
	snap := Snapshot{Count: t.count, Last: t.last, LastAt: t.lastAt, Samples: samples}
	t.mu.Unlock()

	switch len(samples) {
	case 0:
	case 1:
		snap.Mean, snap.Min, snap.Max = samples[0], samples[0], samples[0]
	default:
		snap.Mean, snap.StdDev = stat.MeanStdDev(samples, nil)
		snap.Min = floats.Min(samples)
		snap.Max = floats.Max(samples)
	}
	return snap
}
