//go:build !gstreamer

package camera

import (
	"context"
	"fmt"
)

// GstSource is only available when built with -tags gstreamer.
type GstSource struct{}

// NewGstSource reports ErrUnsupported in builds without GStreamer.
func NewGstSource(pool *Pool, device string, fps float64) (*GstSource, error) {
	return nil, fmt.Errorf("v4l2 camera on %s: %w (rebuild with -tags gstreamer)", device, ErrUnsupported)
}

func (s *GstSource) Start(ctx context.Context) error          { return ErrUnsupported }
func (s *GstSource) Next(ctx context.Context) (*Frame, error) { return nil, ErrUnsupported }
func (s *GstSource) Close() error                             { return nil }
