package luminosity

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cjeanneret/camlux/internal/debug"
)

// WorkerStats summarises the analysis loop.
type WorkerStats struct {
	Analyzed uint64 `json:"analyzed"`
	Failed   uint64 `json:"failed"`
	Panics   uint64 `json:"panics"`
}

// Worker is the single execution context frames are analyzed on.
// Frames are handled one at a time in arrival order. A failing frame or a
// panicking listener is logged and counted; the loop keeps going.
type Worker struct {
	analyzer *Analyzer
	frames   <-chan Frame

	analyzed atomic.Uint64
	failed   atomic.Uint64
	panics   atomic.Uint64
}

// NewWorker creates a worker analyzing frames received on frames.
func NewWorker(a *Analyzer, frames <-chan Frame) *Worker {
	return &Worker{analyzer: a, frames: frames}
}

// Run consumes frames until the channel is closed (returns nil) or ctx is
// cancelled (returns ctx.Err()).
func (w *Worker) Run(ctx context.Context) error {
	debug.Verbose("Analysis worker started")
	defer debug.Verbose("Analysis worker stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-w.frames:
			if !ok {
				return nil
			}
			w.analyze(f)
		}
	}
}

func (w *Worker) analyze(f Frame) {
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			debug.Error(fmt.Errorf("luminosity listener panic: %v", r))
		}
	}()

	if err := w.analyzer.Analyze(f); err != nil {
		w.failed.Add(1)
		debug.Error(fmt.Errorf("analyze frame: %w", err))
		return
	}
	w.analyzed.Add(1)
}

// Stats returns counters; safe to call from any goroutine.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Analyzed: w.analyzed.Load(),
		Failed:   w.failed.Load(),
		Panics:   w.panics.Load(),
	}
}
