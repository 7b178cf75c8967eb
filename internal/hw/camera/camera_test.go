package camera

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestFrameSize(t *testing.T) {
	if got := FrameSize(4, 2); got != 4*2+2*2*1 {
		t.Errorf("FrameSize(4,2) = %d, want 12", got)
	}
	if got := FrameSize(640, 480); got != 640*480*3/2 {
		t.Errorf("FrameSize(640,480) = %d, want %d", got, 640*480*3/2)
	}
}

func TestFrame_Planes(t *testing.T) {
	p := NewPool(4, 2)
	f := p.Get()
	copy(f.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12})

	planes := f.Planes()
	if len(planes) != 3 {
		t.Fatalf("planes = %d, want 3", len(planes))
	}
	if !bytes.Equal(planes[0], []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Y = %v", planes[0])
	}
	if !bytes.Equal(planes[1], []byte{9, 10}) {
		t.Errorf("U = %v", planes[1])
	}
	if !bytes.Equal(planes[2], []byte{11, 12}) {
		t.Errorf("V = %v", planes[2])
	}
}

func TestFrame_ReleaseIdempotent(t *testing.T) {
	p := NewPool(2, 2)
	f := p.Get()
	if p.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", p.Outstanding())
	}
	f.Release()
	f.Release()
	if p.Outstanding() != 0 {
		t.Errorf("outstanding = %d after double release, want 0", p.Outstanding())
	}
	if !f.Released() {
		t.Error("Released() = false")
	}
	if f.Planes() != nil {
		t.Error("released frame should expose no planes")
	}
}

func TestFrame_YCbCrCopy(t *testing.T) {
	p := NewPool(2, 2)
	f := p.Get()
	copy(f.Bytes(), []byte{10, 20, 30, 40, 50, 60})
	img := f.YCbCr()
	f.Release()

	if !bytes.Equal(img.Y, []byte{10, 20, 30, 40}) {
		t.Errorf("Y = %v", img.Y)
	}
	if img.Cb[0] != 50 || img.Cr[0] != 60 {
		t.Errorf("Cb/Cr = %d/%d, want 50/60", img.Cb[0], img.Cr[0])
	}
	if img.Rect.Dx() != 2 || img.Rect.Dy() != 2 {
		t.Errorf("rect = %v", img.Rect)
	}
}

func TestMockSource_Frames(t *testing.T) {
	p := NewPool(4, 4)
	src := NewMockSource(p, 0)
	src.Level = func(seq uint64) byte { return byte(seq * 10) }

	ctx := context.Background()
	if _, err := src.Next(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Next before Start = %v, want ErrNotStarted", err)
	}
	if err := src.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for want := uint64(1); want <= 3; want++ {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if f.Seq != want {
			t.Errorf("seq = %d, want %d", f.Seq, want)
		}
		if y := f.Planes()[0]; y[0] != byte(want*10) || y[len(y)-1] != byte(want*10) {
			t.Errorf("luma = %d, want %d", y[0], want*10)
		}
		if u := f.Planes()[1]; u[0] != 128 {
			t.Errorf("chroma = %d, want 128", u[0])
		}
		if f.TraceID == "" {
			t.Error("TraceID should be set")
		}
		f.Release()
	}

	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after Close = %v, want ErrClosed", err)
	}
	if p.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0", p.Outstanding())
	}
}

func TestMockSource_CloseUnblocksNext(t *testing.T) {
	src := NewMockSource(NewPool(2, 2), time.Hour)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := src.Next(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	src.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Next = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestTriangleLevelRange(t *testing.T) {
	for seq := uint64(0); seq < 1000; seq++ {
		l := triangleLevel(seq)
		if l < 16 || l > 235 {
			t.Fatalf("level(%d) = %d outside [16,235]", seq, l)
		}
	}
}

func TestReaderSource(t *testing.T) {
	p := NewPool(2, 2)
	// two full frames and a truncated third
	stream := []byte{
		1, 1, 1, 1, 128, 128,
		9, 9, 9, 9, 128, 128,
		7, 7,
	}
	src := NewReaderSource(p, io.NopCloser(bytes.NewReader(stream)))
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i, want := range []byte{1, 9} {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Planes()[0][0] != want {
			t.Errorf("frame %d luma = %d, want %d", i, f.Planes()[0][0], want)
		}
		if f.Seq != uint64(i+1) {
			t.Errorf("frame %d seq = %d", i, f.Seq)
		}
		f.Release()
	}

	if _, err := src.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next on truncated frame = %v, want ErrClosed", err)
	}
	if p.Outstanding() != 0 {
		t.Errorf("outstanding = %d, want 0 (short frame must be released)", p.Outstanding())
	}
	if err := src.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRawSource_OpenError(t *testing.T) {
	boom := errors.New("no camera")
	src := NewRawSource(NewPool(2, 2), func(context.Context) (io.ReadCloser, error) { return nil, boom })
	if err := src.Start(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Start = %v, want %v", err, boom)
	}
}

func TestRPiCamArgs(t *testing.T) {
	args := rpicamArgs(640, 480, 15)
	want := []string{"--timeout", "0", "--nopreview", "--codec", "yuv420",
		"--width", "640", "--height", "480", "--framerate", "15", "--output", "-"}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, args[i], want[i])
		}
	}
}
