// Package pipeline binds a camera source to its consumers: the luminosity
// analysis worker and still-photo requests.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/cjeanneret/camlux/internal/debug"
	"github.com/cjeanneret/camlux/internal/hw/camera"
	"github.com/cjeanneret/camlux/internal/logic/luminosity"
)

var (
	// ErrNotRunning is returned by Still when the session is not streaming.
	ErrNotRunning = errors.New("pipeline: session not running")
	// ErrStopped is returned to still requests pending when the session stops.
	ErrStopped = errors.New("pipeline: session stopped")
)

// Stats summarises the frame pump.
type Stats struct {
	Frames    uint64 `json:"frames"`    // read from the source
	Delivered uint64 `json:"delivered"` // handed to the analyzer
	Dropped   uint64 `json:"dropped"`   // evicted by a newer frame, released unseen
	Stills    uint64 `json:"stills"`
	Running   bool   `json:"running"`
}

// Session owns the single goroutine that pulls frames from the camera.
// Each frame is first copied for any pending still request, then offered to
// the analysis channel without blocking: when the analyzer is behind, the
// frame is released and counted as dropped.
type Session struct {
	src      camera.Source
	analysis chan luminosity.Frame
	stills   chan chan *image.YCbCr

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	stopped bool
	err     error

	frames    atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	stillN    atomic.Uint64
}

// NewSession creates a session over src. queueSize is the analysis channel
// capacity; analyze=false disables the analysis channel entirely.
func NewSession(src camera.Source, queueSize int, analyze bool) *Session {
	s := &Session{
		src:    src,
		stills: make(chan chan *image.YCbCr, 8),
		done:   make(chan struct{}),
	}
	if analyze {
		if queueSize < 1 {
			queueSize = 1
		}
		s.analysis = make(chan luminosity.Frame, queueSize)
	}
	return s
}

// Frames returns the analysis channel (nil when analysis is disabled).
// It is closed when the pump exits.
func (s *Session) Frames() <-chan luminosity.Frame {
	return s.analysis
}

// Start opens the source and launches the pump. The pump runs until Stop,
// ctx cancellation or the end of the camera stream.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.stopped {
		return ErrStopped
	}
	if s.cancel != nil {
		return fmt.Errorf("pipeline: session cannot be restarted")
	}
	if err := s.src.Start(ctx); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	go s.pump(pumpCtx)
	debug.Verbose("Pipeline session started")
	return nil
}

func (s *Session) pump(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if s.analysis != nil {
			close(s.analysis)
		}
		close(s.done)
		debug.Verbose("Pipeline session stopped")
	}()

	for {
		f, err := s.src.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, camera.ErrClosed) {
				debug.Error(fmt.Errorf("camera: %w", err))
				s.setErr(err)
			} else if ctx.Err() == nil {
				debug.Info("Camera stream ended")
				s.setErr(err)
			}
			return
		}
		s.frames.Add(1)
		s.serveStills(f)

		if s.analysis == nil {
			f.Release()
			continue
		}
		s.offer(f)
	}
}

// offer queues f for analysis. A full queue evicts its oldest frame so the
// analyzer always sees the latest one. pump is the only sender, so once a
// slot is freed the send succeeds.
func (s *Session) offer(f *camera.Frame) {
	for {
		select {
		case s.analysis <- f:
			s.delivered.Add(1)
			return
		default:
		}
		select {
		case stale := <-s.analysis:
			s.delivered.Add(^uint64(0))
			s.dropped.Add(1)
			debug.Drop(stale.(*camera.Frame).Seq)
			stale.Release()
		default:
			// worker took it first
		}
	}
}

func (s *Session) serveStills(f *camera.Frame) {
	for {
		select {
		case req := <-s.stills:
			req <- f.YCbCr()
			s.stillN.Add(1)
		default:
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Still returns a copy of the next frame read from the camera.
func (s *Session) Still(ctx context.Context) (*image.YCbCr, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	req := make(chan *image.YCbCr, 1)
	select {
	case s.stills <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrStopped
	}

	select {
	case img := <-req:
		return img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// The pump may have answered just before exiting.
		select {
		case img := <-req:
			return img, nil
		default:
			return nil, ErrStopped
		}
	}
}

// Stop ends the pump, closes the camera and waits for the pump to exit.
// Safe to call multiple times. A session that never started is closed as
// if its pump had exited.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	if cancel == nil && !s.stopped {
		s.stopped = true
		if s.analysis != nil {
			close(s.analysis)
		}
		close(s.done)
	}
	s.stopped = true
	s.mu.Unlock()
	if cancel == nil {
		return s.src.Close()
	}

	cancel()
	err := s.src.Close()
	<-s.done
	return err
}

// Done is closed when the pump has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the camera stream, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns pump counters; safe from any goroutine.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Stats{
		Frames:    s.frames.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Stills:    s.stillN.Load(),
		Running:   running,
	}
}
