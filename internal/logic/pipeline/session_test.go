package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/camlux/internal/hw/camera"
	"github.com/cjeanneret/camlux/internal/logic/luminosity"
)

func newMockSession(t *testing.T, queue int, analyze bool) (*Session, *camera.Pool) {
	t.Helper()
	pool := camera.NewPool(8, 8)
	src := camera.NewMockSource(pool, time.Millisecond)
	src.Level = func(uint64) byte { return 100 }
	s := NewSession(src, queue, analyze)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, pool
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestSession_FeedsAnalysisWorker(t *testing.T) {
	s, pool := newMockSession(t, 1, true)
	tracker := luminosity.NewTracker(16)
	w := luminosity.NewWorker(luminosity.NewAnalyzer(tracker.Record), s.Frames())

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(context.Background()) }()

	waitFor(t, "5 samples", func() bool { return tracker.Snapshot().Count >= 5 })
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-workerDone:
		if err != nil {
			t.Errorf("worker Run = %v, want nil after channel close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after session stop")
	}

	if snap := tracker.Snapshot(); snap.Last != 100 {
		t.Errorf("last luma = %v, want 100", snap.Last)
	}
	st := s.Stats()
	if st.Running {
		t.Error("session should not be running after Stop")
	}
	if st.Frames != st.Delivered+st.Dropped {
		t.Errorf("frames=%d delivered=%d dropped=%d do not add up", st.Frames, st.Delivered, st.Dropped)
	}
	if w.Stats().Analyzed != st.Delivered {
		t.Errorf("analyzed=%d, delivered=%d", w.Stats().Analyzed, st.Delivered)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("outstanding frames = %d, want 0", pool.Outstanding())
	}
}

func TestSession_DropsWhenAnalyzerBehind(t *testing.T) {
	s, pool := newMockSession(t, 1, true)

	waitFor(t, "drops", func() bool { return s.Stats().Dropped >= 3 })
	// Only the frame parked in the channel and the one being offered may be
	// outstanding.
	if n := pool.Outstanding(); n > 2 {
		t.Errorf("outstanding = %d, dropped frames must be released", n)
	}
	s.Stop()
	for f := range s.Frames() {
		f.Release()
	}
	if pool.Outstanding() != 0 {
		t.Errorf("outstanding = %d after drain, want 0", pool.Outstanding())
	}
}

func TestSession_KeepsLatestFrame(t *testing.T) {
	s, _ := newMockSession(t, 1, true)

	waitFor(t, "20 frames", func() bool { return s.Stats().Frames >= 20 })
	read := s.Stats().Frames
	f := <-s.Frames()
	defer f.Release()

	if f.(*camera.Frame).Seq+1 < read {
		t.Errorf("analyzer got seq=%d after the source read %d frames, want the latest", f.(*camera.Frame).Seq, read)
	}
	if st := s.Stats(); st.Dropped == 0 {
		t.Errorf("dropped = %d, stale frames should have been evicted", st.Dropped)
	}
}

func TestSession_AnalysisDisabled(t *testing.T) {
	s, pool := newMockSession(t, 1, false)
	if s.Frames() != nil {
		t.Fatal("Frames() should be nil when analysis is disabled")
	}
	waitFor(t, "frames", func() bool { return s.Stats().Frames >= 3 })
	s.Stop()
	if pool.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestSession_Still(t *testing.T) {
	s, _ := newMockSession(t, 1, false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	img, err := s.Still(ctx)
	if err != nil {
		t.Fatalf("Still: %v", err)
	}
	if img.Rect.Dx() != 8 || img.Rect.Dy() != 8 {
		t.Errorf("still size = %v, want 8x8", img.Rect)
	}
	if img.Y[0] != 100 {
		t.Errorf("still luma = %d, want 100", img.Y[0])
	}
	if s.Stats().Stills != 1 {
		t.Errorf("stills = %d, want 1", s.Stats().Stills)
	}
}

func TestSession_StillAfterStop(t *testing.T) {
	s, _ := newMockSession(t, 1, false)
	s.Stop()
	if _, err := s.Still(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Still after Stop = %v, want ErrNotRunning", err)
	}
}

// failingSource fails on the first Next.
type failingSource struct{ err error }

func (f *failingSource) Start(context.Context) error                 { return nil }
func (f *failingSource) Next(context.Context) (*camera.Frame, error) { return nil, f.err }
func (f *failingSource) Close() error                                { return nil }

func TestSession_SourceErrorEndsStream(t *testing.T) {
	boom := errors.New("sensor unplugged")
	s := NewSession(&failingSource{err: boom}, 1, true)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end on source error")
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v, want %v", s.Err(), boom)
	}
	if _, ok := <-s.Frames(); ok {
		t.Error("analysis channel should be closed")
	}
}

func TestSession_StartError(t *testing.T) {
	src := camera.NewMockSource(camera.NewPool(2, 2), 0)
	src.Close()
	s := NewSession(src, 1, true)
	if err := s.Start(context.Background()); !errors.Is(err, camera.ErrClosed) {
		t.Errorf("Start = %v, want ErrClosed", err)
	}
}

func TestSession_StopWithoutStart(t *testing.T) {
	src := camera.NewMockSource(camera.NewPool(2, 2), 0)
	s := NewSession(src, 1, true)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, ok := <-s.Frames(); ok {
		t.Error("analysis channel should be closed")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}
