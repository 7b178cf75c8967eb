package luminosity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// countingFrame is safe to release from the worker goroutine.
type countingFrame struct {
	mu       sync.Mutex
	planes   [][]byte
	releases int
}

func (f *countingFrame) Planes() [][]byte { return f.planes }

func (f *countingFrame) Release() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func (f *countingFrame) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func TestWorker_AnalyzesInOrderUntilClosed(t *testing.T) {
	var mu sync.Mutex
	var got []float64
	a := NewAnalyzer(func(luma float64) {
		mu.Lock()
		got = append(got, luma)
		mu.Unlock()
	})

	ch := make(chan Frame, 3)
	frames := []*countingFrame{
		{planes: [][]byte{{10}}},
		{planes: [][]byte{{20}}},
		{planes: [][]byte{{30}}},
	}
	for _, f := range frames {
		ch <- f
	}
	close(ch)

	w := NewWorker(a, ch)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []float64{10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
	for i, f := range frames {
		if n := f.releaseCount(); n != 1 {
			t.Errorf("frame %d released %d times, want 1", i, n)
		}
	}
	if s := w.Stats(); s.Analyzed != 3 || s.Failed != 0 || s.Panics != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWorker_SurvivesPanicsAndErrors(t *testing.T) {
	calls := 0
	a := NewAnalyzer(func(luma float64) {
		calls++
		if luma == 1 {
			panic("boom")
		}
	})

	ch := make(chan Frame, 3)
	bad := &countingFrame{planes: [][]byte{{1}}}
	empty := &countingFrame{}
	good := &countingFrame{planes: [][]byte{{2}}}
	ch <- bad
	ch <- empty
	ch <- good
	close(ch)

	w := NewWorker(a, ch)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls != 2 {
		t.Errorf("listener calls = %d, want 2", calls)
	}
	for name, f := range map[string]*countingFrame{"panic": bad, "no_planes": empty, "good": good} {
		if n := f.releaseCount(); n != 1 {
			t.Errorf("%s frame released %d times, want 1", name, n)
		}
	}
	s := w.Stats()
	if s.Analyzed != 1 || s.Failed != 1 || s.Panics != 1 {
		t.Errorf("stats = %+v, want analyzed=1 failed=1 panics=1", s)
	}
}

func TestWorker_StopsOnContextCancel(t *testing.T) {
	ch := make(chan Frame)
	w := NewWorker(NewAnalyzer(nil), ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
