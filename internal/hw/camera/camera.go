package camera

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Next once the source has been closed or the
	// underlying stream has ended.
	ErrClosed = errors.New("camera: source closed")
	// ErrUnsupported is returned when a source type is not compiled in.
	ErrUnsupported = errors.New("camera: source not supported in this build")
	// ErrNotStarted is returned by Next before Start.
	ErrNotStarted = errors.New("camera: source not started")
)

// Source is the high-level interface used by the rest of the application.
// It represents an abstract camera producing a stream of preview frames,
// regardless of how it's driven (synthetic, subprocess, GStreamer, etc.).
//
// Next blocks until a frame is available. The caller owns the returned frame
// and must Release it. Close unblocks a pending Next.
type Source interface {
	Start(ctx context.Context) error
	Next(ctx context.Context) (*Frame, error)
	Close() error
}
