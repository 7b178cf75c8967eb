// Package capture takes still photos from the running camera session and
// saves them into the shared media store.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/cjeanneret/camlux/internal/config"
	"github.com/cjeanneret/camlux/internal/debug"
	"github.com/cjeanneret/camlux/internal/hw/camera"
	"github.com/cjeanneret/camlux/internal/logic/pipeline"
	"github.com/cjeanneret/camlux/internal/media"
)

// DefaultRelativePath is where photos go when nothing else is configured.
const DefaultRelativePath = "Pictures/CameraX-Image"

// ErrCameraClosed is wrapped by capture errors raised because the camera
// session is not streaming.
var ErrCameraClosed = errors.New("capture: camera closed")

// Code classifies a capture failure.
type Code string

const (
	CodeFileIO        Code = "file_io"        // encoding or writing the image failed
	CodeCaptureFailed Code = "capture_failed" // no still could be obtained
	CodeCameraClosed  Code = "camera_closed"  // the session is stopped
	CodeInvalidCamera Code = "invalid_camera" // no camera bound
)

// Error is the failure reported for a capture request.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("capture %s: %s: %v", e.Code, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StillSource yields a copy of the next camera frame.
type StillSource interface {
	Still(ctx context.Context) (*image.YCbCr, error)
}

// Saver stores encoded images.
type Saver interface {
	Insert(ctx context.Context, e media.Entry, data []byte) (media.Item, error)
}

// OutputOptions names the image to create. Empty fields are defaulted by Take.
type OutputOptions struct {
	DisplayName  string
	MIMEType     string
	RelativePath string
}

// OutputResult describes a saved photo.
type OutputResult struct {
	ID          string `json:"id"` // capture request id
	SavedURI    string `json:"saved_uri"`
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
}

// Callbacks receive the outcome of TakePicture. Exactly one is called.
type Callbacks struct {
	OnImageSaved func(OutputResult)
	OnError      func(*Error)
}

// Stats counts capture outcomes.
type Stats struct {
	Saved  uint64 `json:"saved"`
	Failed uint64 `json:"failed"`
}

// DisplayName formats t as yyyy-MM-dd-HH-mm-ss-SSS.
func DisplayName(t time.Time) string {
	return fmt.Sprintf("%s-%03d", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// DefaultOutputOptions returns options for a photo taken at now using the
// storage settings of cfg.
func DefaultOutputOptions(now time.Time, cfg config.StorageConfig) OutputOptions {
	opts := OutputOptions{
		DisplayName:  DisplayName(now),
		MIMEType:     cfg.MIMEType,
		RelativePath: cfg.RelativePath,
	}
	if opts.MIMEType == "" {
		opts.MIMEType = "image/jpeg"
	}
	if opts.RelativePath == "" {
		opts.RelativePath = DefaultRelativePath
	}
	return opts
}

// Option configures an ImageCapture.
type Option func(*ImageCapture)

// WithMirror flips stills horizontally (front lens).
func WithMirror(mirror bool) Option {
	return func(c *ImageCapture) { c.mirror = mirror }
}

// WithJPEGQuality sets the JPEG quality (1-100).
func WithJPEGQuality(q int) Option {
	return func(c *ImageCapture) {
		if q >= 1 && q <= 100 {
			c.quality = q
		}
	}
}

// WithClock replaces time.Now for display names.
func WithClock(now func() time.Time) Option {
	return func(c *ImageCapture) { c.now = now }
}

// ImageCapture turns camera stills into stored photos. Requests run one at
// a time; a failed request is reported, not retried.
type ImageCapture struct {
	stills  StillSource
	store   Saver
	mirror  bool
	quality int
	now     func() time.Time

	mu       sync.Mutex
	inflight atomic.Int32
	saved    atomic.Uint64
	failed   atomic.Uint64
}

// NewImageCapture binds a still source to a store.
func NewImageCapture(stills StillSource, store Saver, opts ...Option) *ImageCapture {
	c := &ImageCapture{
		stills:  stills,
		store:   store,
		quality: 95,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Busy reports whether a capture is queued or running.
func (c *ImageCapture) Busy() bool {
	return c.inflight.Load() > 0
}

// Stats returns capture counters.
func (c *ImageCapture) Stats() Stats {
	return Stats{Saved: c.saved.Load(), Failed: c.failed.Load()}
}

// Take captures one photo synchronously. Errors are always *Error.
func (c *ImageCapture) Take(ctx context.Context, opts OutputOptions) (OutputResult, error) {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	return c.take(ctx, opts)
}

// TakePicture captures one photo in the background and reports the outcome
// through cb.
func (c *ImageCapture) TakePicture(ctx context.Context, opts OutputOptions, cb Callbacks) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Add(-1)
		res, err := c.take(ctx, opts)
		if err != nil {
			var ce *Error
			if !errors.As(err, &ce) {
				ce = &Error{Code: CodeCaptureFailed, Msg: "capture failed", Err: err}
			}
			if cb.OnError != nil {
				cb.OnError(ce)
			}
			return
		}
		if cb.OnImageSaved != nil {
			cb.OnImageSaved(res)
		}
	}()
}

func (c *ImageCapture) take(ctx context.Context, opts OutputOptions) (OutputResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	res, err := c.capture(ctx, id, opts)
	if err != nil {
		c.failed.Add(1)
		debug.Error(fmt.Errorf("photo capture %s: %w", id, err))
		return OutputResult{}, err
	}
	c.saved.Add(1)
	debug.Shot(res.DisplayName, res.SavedURI)
	return res, nil
}

func (c *ImageCapture) capture(ctx context.Context, id string, opts OutputOptions) (OutputResult, error) {
	if opts.DisplayName == "" {
		opts.DisplayName = DisplayName(c.now())
	}
	if opts.MIMEType == "" {
		opts.MIMEType = "image/jpeg"
	}
	if c.stills == nil {
		return OutputResult{}, &Error{Code: CodeInvalidCamera, Msg: "no camera bound"}
	}
	if c.store == nil {
		return OutputResult{}, &Error{Code: CodeFileIO, Msg: "no media store"}
	}

	debug.Verbose("Capture %s: waiting for still", id)
	img, err := c.stills.Still(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) || errors.Is(err, pipeline.ErrStopped) || errors.Is(err, camera.ErrClosed) {
			return OutputResult{}, &Error{Code: CodeCameraClosed, Msg: "camera is not running", Err: fmt.Errorf("%w: %v", ErrCameraClosed, err)}
		}
		return OutputResult{}, &Error{Code: CodeCaptureFailed, Msg: "could not get a still", Err: err}
	}

	var out image.Image = img
	if c.mirror {
		out = imaging.FlipH(img)
	}
	data, err := c.encode(out, opts.MIMEType)
	if err != nil {
		return OutputResult{}, &Error{Code: CodeFileIO, Msg: "encode image", Err: err}
	}

	item, err := c.store.Insert(ctx, media.Entry{
		DisplayName:  opts.DisplayName,
		MIMEType:     opts.MIMEType,
		RelativePath: opts.RelativePath,
	}, data)
	if err != nil {
		return OutputResult{}, &Error{Code: CodeFileIO, Msg: "save image", Err: err}
	}
	return OutputResult{
		ID:          id,
		SavedURI:    item.URI,
		DisplayName: item.DisplayName,
		Size:        item.Size,
	}, nil
}

func (c *ImageCapture) encode(img image.Image, mime string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch mime {
	case "image/jpeg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(c.quality))
	case "image/png":
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		return nil, fmt.Errorf("%w: %q", media.ErrInvalidMIME, mime)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
