//go:build gstreamer

package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/cjeanneret/camlux/internal/debug"
)

// GstSource captures from a V4L2 device through GStreamer:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(I420) → appsink
//
// The appsink keeps only the latest buffer; frames the consumer is too slow
// for are dropped inside GStreamer or at the hand-off channel.
type GstSource struct {
	device string
	fps    float64
	pool   *Pool

	mu       sync.Mutex
	pipeline *gst.Pipeline
	frames   chan *Frame
	done     chan struct{}
	closed   bool
	seq      atomic.Uint64
	dropped  atomic.Uint64
}

// NewGstSource creates a GStreamer-backed source for device.
func NewGstSource(pool *Pool, device string, fps float64) (*GstSource, error) {
	return &GstSource{
		device: device,
		fps:    fps,
		pool:   pool,
		frames: make(chan *Frame, 1),
		done:   make(chan struct{}),
	}, nil
}

func buildCaps(width, height int, fps float64) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1000",
		width, height, int(fps*1000))
}

func (s *GstSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pipeline != nil {
		return nil
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", s.device)

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("failed to create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(s.pool.width, s.pool.height, s.fps)))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, convert, scale, rate, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, convert, scale, rate, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	s.pipeline = pipeline
	go s.watchBus(pipeline.GetPipelineBus())

	debug.Info("GStreamer camera started (%s)", s.device)
	return nil
}

// onNewSample copies the mapped buffer into a pooled frame and hands it over
// without blocking the streaming thread.
func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) < s.pool.Size() {
		buffer.Unmap()
		debug.Verbose("Camera: short GStreamer buffer (%d bytes), skipping", len(data))
		return gst.FlowOK
	}
	f := s.pool.Get()
	copy(f.Bytes(), data)
	buffer.Unmap()

	f.Seq = s.seq.Add(1)
	f.Timestamp = time.Now()
	f.TraceID = uuid.NewString()

	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
		f.Release()
	}
	return gst.FlowOK
}

func (s *GstSource) watchBus(bus *gst.Bus) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			debug.Info("GStreamer camera: end of stream")
			_ = s.Close()
			return
		case gst.MessageError:
			debug.Error(fmt.Errorf("gstreamer: %v", msg.ParseError()))
			_ = s.Close()
			return
		}
	}
}

func (s *GstSource) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	started := s.pipeline != nil
	s.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case f := <-s.frames:
		return f, nil
	}
}

func (s *GstSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	// Release a frame parked in the hand-off channel.
	select {
	case f := <-s.frames:
		f.Release()
	default:
	}

	if s.pipeline == nil {
		return nil
	}
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
