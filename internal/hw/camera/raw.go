package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/camlux/internal/debug"
)

// OpenFunc opens the byte stream a RawSource reads frames from.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// RawSource reads back-to-back unpadded I420 frames from a byte stream.
// Any read error ends the stream: a short final frame is discarded.
type RawSource struct {
	open OpenFunc
	pool *Pool

	mu     sync.Mutex
	r      io.ReadCloser
	seq    uint64
	closed bool
}

// NewRawSource reads frames from the stream returned by open.
func NewRawSource(pool *Pool, open OpenFunc) *RawSource {
	return &RawSource{pool: pool, open: open}
}

// NewReaderSource reads frames from an already open stream.
func NewReaderSource(pool *Pool, r io.ReadCloser) *RawSource {
	return NewRawSource(pool, func(context.Context) (io.ReadCloser, error) { return r, nil })
}

// NewRPiCamSource runs rpicam-vid (libcamera) in raw YUV420 mode and reads
// frames from its stdout. Use a width that is a multiple of 64 so rows carry
// no stride padding.
func NewRPiCamSource(pool *Pool, command string, fps float64) *RawSource {
	return NewRawSource(pool, func(ctx context.Context) (io.ReadCloser, error) {
		args := rpicamArgs(pool.width, pool.height, fps)
		debug.Verbose("Camera: starting %s %v", command, args)
		cmd := exec.CommandContext(ctx, command, args...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("rpicam stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", command, err)
		}
		return &cmdStream{ReadCloser: stdout, cmd: cmd}, nil
	})
}

func rpicamArgs(width, height int, fps float64) []string {
	return []string{
		"--timeout", "0", // run until killed
		"--nopreview",
		"--codec", "yuv420",
		"--width", strconv.Itoa(width),
		"--height", strconv.Itoa(height),
		"--framerate", strconv.FormatFloat(fps, 'f', -1, 64),
		"--output", "-",
	}
}

// cmdStream closes the pipe and reaps the subprocess.
type cmdStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdStream) Close() error {
	err := c.ReadCloser.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return err
}

func (s *RawSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.r != nil {
		return nil
	}
	r, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.r = r
	return nil
}

// Next blocks on the stream read; cancelling ctx does not interrupt a read
// in progress, Close does.
func (s *RawSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	r, closed := s.r, s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if r == nil {
		return nil, ErrNotStarted
	}

	f := s.pool.Get()
	if _, err := io.ReadFull(r, f.Bytes()); err != nil {
		f.Release()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil, ErrClosed
		}
		s.mu.Lock()
		closed = s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}

	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	s.mu.Unlock()
	f.Timestamp = time.Now()
	f.TraceID = uuid.NewString()
	return f, nil
}

func (s *RawSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.r
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Close()
}
