package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cjeanneret/camlux/internal/config"
	"github.com/cjeanneret/camlux/internal/logic/pipeline"
	"github.com/cjeanneret/camlux/internal/media"
)

// splitStill is dark on the left half and bright on the right half.
func splitStill(w, h int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(16)
			if x >= w/2 {
				v = 235
			}
			img.Y[y*img.YStride+x] = v
		}
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

type fakeStills struct {
	img *image.YCbCr
	err error
}

func (f *fakeStills) Still(context.Context) (*image.YCbCr, error) {
	return f.img, f.err
}

type fakeSaver struct {
	mu      sync.Mutex
	entries []media.Entry
	data    [][]byte
	err     error
}

func (f *fakeSaver) Insert(_ context.Context, e media.Entry, data []byte) (media.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return media.Item{}, f.err
	}
	f.entries = append(f.entries, e)
	f.data = append(f.data, data)
	id := int64(len(f.entries))
	return media.Item{
		ID:          id,
		URI:         media.URIPrefix + strconv.FormatInt(id, 10),
		DisplayName: e.DisplayName,
		Size:        int64(len(data)),
	}, nil
}

func leftLuma(t *testing.T, data []byte) uint8 {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := img.Bounds()
	return color.GrayModel.Convert(img.At(b.Min.X+2, b.Min.Y+b.Dy()/2)).(color.Gray).Y
}

func TestDisplayName(t *testing.T) {
	ts := time.Date(2023, 7, 4, 9, 5, 3, 7*int(time.Millisecond)+999, time.UTC)
	if got, want := DisplayName(ts), "2023-07-04-09-05-03-007"; got != want {
		t.Errorf("DisplayName = %q, want %q", got, want)
	}
}

func TestDefaultOutputOptions(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 600*int(time.Millisecond), time.UTC)

	got := DefaultOutputOptions(ts, config.StorageConfig{})
	want := OutputOptions{
		DisplayName:  "2024-01-02-03-04-05-600",
		MIMEType:     "image/jpeg",
		RelativePath: "Pictures/CameraX-Image",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults (-want +got):\n%s", diff)
	}

	got = DefaultOutputOptions(ts, config.StorageConfig{MIMEType: "image/png", RelativePath: "DCIM/Camera"})
	if got.MIMEType != "image/png" || got.RelativePath != "DCIM/Camera" {
		t.Errorf("configured options = %+v", got)
	}
}

func TestTake_SavesJPEG(t *testing.T) {
	saver := &fakeSaver{}
	clock := func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	c := NewImageCapture(&fakeStills{img: splitStill(16, 16)}, saver, WithClock(clock), WithJPEGQuality(90))

	res, err := c.Take(context.Background(), OutputOptions{RelativePath: "Pictures/CameraX-Image"})
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if res.ID == "" {
		t.Error("result has no request id")
	}
	if res.SavedURI != media.URIPrefix+"1" {
		t.Errorf("SavedURI = %q", res.SavedURI)
	}
	if res.DisplayName != "2024-05-06-07-08-09-000" {
		t.Errorf("DisplayName = %q", res.DisplayName)
	}

	want := media.Entry{DisplayName: "2024-05-06-07-08-09-000", MIMEType: "image/jpeg", RelativePath: "Pictures/CameraX-Image"}
	if diff := cmp.Diff([]media.Entry{want}, saver.entries); diff != "" {
		t.Errorf("saved entries (-want +got):\n%s", diff)
	}
	if !bytes.HasPrefix(saver.data[0], []byte{0xFF, 0xD8}) {
		t.Error("saved data is not a JPEG")
	}
	if l := leftLuma(t, saver.data[0]); l > 64 {
		t.Errorf("unmirrored left luma = %d, want dark", l)
	}
	if st := c.Stats(); st.Saved != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestTake_Mirror(t *testing.T) {
	saver := &fakeSaver{}
	c := NewImageCapture(&fakeStills{img: splitStill(16, 16)}, saver, WithMirror(true))
	if _, err := c.Take(context.Background(), OutputOptions{}); err != nil {
		t.Fatal(err)
	}
	if l := leftLuma(t, saver.data[0]); l < 192 {
		t.Errorf("mirrored left luma = %d, want bright", l)
	}
}

func TestTake_PNG(t *testing.T) {
	saver := &fakeSaver{}
	c := NewImageCapture(&fakeStills{img: splitStill(8, 8)}, saver)
	if _, err := c.Take(context.Background(), OutputOptions{MIMEType: "image/png"}); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(saver.data[0], []byte("\x89PNG")) {
		t.Error("saved data is not a PNG")
	}
}

func TestTake_Errors(t *testing.T) {
	boom := errors.New("disk full")
	tests := []struct {
		name   string
		stills StillSource
		saver  Saver
		opts   OutputOptions
		code   Code
	}{
		{"no camera", nil, &fakeSaver{}, OutputOptions{}, CodeInvalidCamera},
		{"stopped", &fakeStills{err: pipeline.ErrNotRunning}, &fakeSaver{}, OutputOptions{}, CodeCameraClosed},
		{"timeout", &fakeStills{err: context.DeadlineExceeded}, &fakeSaver{}, OutputOptions{}, CodeCaptureFailed},
		{"store", &fakeStills{img: splitStill(8, 8)}, &fakeSaver{err: boom}, OutputOptions{}, CodeFileIO},
		{"mime", &fakeStills{img: splitStill(8, 8)}, &fakeSaver{}, OutputOptions{MIMEType: "image/gif"}, CodeFileIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewImageCapture(tt.stills, tt.saver)
			_, err := c.Take(context.Background(), tt.opts)
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("Take error = %v, want *Error", err)
			}
			if ce.Code != tt.code {
				t.Errorf("code = %s, want %s", ce.Code, tt.code)
			}
			if c.Stats().Failed != 1 {
				t.Errorf("failed = %d, want 1", c.Stats().Failed)
			}
		})
	}
}

func TestTake_CameraClosedUnwraps(t *testing.T) {
	c := NewImageCapture(&fakeStills{err: pipeline.ErrStopped}, &fakeSaver{})
	_, err := c.Take(context.Background(), OutputOptions{})
	if !errors.Is(err, ErrCameraClosed) {
		t.Errorf("err = %v, want ErrCameraClosed in chain", err)
	}
}

func TestTakePicture_Callbacks(t *testing.T) {
	saver := &fakeSaver{}
	c := NewImageCapture(&fakeStills{img: splitStill(8, 8)}, saver)

	saved := make(chan OutputResult, 1)
	c.TakePicture(context.Background(), OutputOptions{DisplayName: "x"}, Callbacks{
		OnImageSaved: func(r OutputResult) { saved <- r },
		OnError:      func(e *Error) { t.Errorf("unexpected OnError: %v", e) },
	})
	select {
	case r := <-saved:
		if r.DisplayName != "x" {
			t.Errorf("DisplayName = %q", r.DisplayName)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnImageSaved not called")
	}

	failing := NewImageCapture(&fakeStills{err: pipeline.ErrNotRunning}, saver)
	failed := make(chan *Error, 1)
	failing.TakePicture(context.Background(), OutputOptions{}, Callbacks{
		OnImageSaved: func(OutputResult) { t.Error("unexpected OnImageSaved") },
		OnError:      func(e *Error) { failed <- e },
	})
	select {
	case e := <-failed:
		if e.Code != CodeCameraClosed {
			t.Errorf("code = %s", e.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
}

// blockingStills blocks until released, to observe serialization.
type blockingStills struct {
	release chan struct{}
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (b *blockingStills) Still(ctx context.Context) (*image.YCbCr, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.maxSeen {
		b.maxSeen = b.active
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()
	<-b.release
	return splitStill(8, 8), nil
}

func TestTakePicture_Serialized(t *testing.T) {
	stills := &blockingStills{release: make(chan struct{})}
	c := NewImageCapture(stills, &fakeSaver{})

	var wg sync.WaitGroup
	wg.Add(3)
	cb := Callbacks{
		OnImageSaved: func(OutputResult) { wg.Done() },
		OnError:      func(e *Error) { t.Errorf("OnError: %v", e); wg.Done() },
	}
	for i := 0; i < 3; i++ {
		c.TakePicture(context.Background(), OutputOptions{}, cb)
	}
	if !c.Busy() {
		t.Error("Busy should be true with requests pending")
	}
	for i := 0; i < 3; i++ {
		stills.release <- struct{}{}
	}
	wg.Wait()

	if stills.maxSeen != 1 {
		t.Errorf("max concurrent captures = %d, want 1", stills.maxSeen)
	}
	deadline := time.Now().Add(time.Second)
	for c.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Busy() {
		t.Error("Busy should be false once all requests finished")
	}
}
