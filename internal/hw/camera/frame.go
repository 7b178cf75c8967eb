package camera

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one planar YUV 4:2:0 (I420) image: a full-resolution Y plane
// followed by quarter-resolution U and V planes in a single buffer.
// Frames come from a Pool and must be released exactly once; Release is
// idempotent so a double release never corrupts the pool.
type Frame struct {
	Seq       uint64    // monotonic per source
	Timestamp time.Time // when the frame was read from the camera
	Width     int
	Height    int
	TraceID   string // uuid, for correlating logs

	buf      []byte
	pool     *Pool
	released atomic.Bool
}

// FrameSize returns the I420 buffer size for a width x height image.
func FrameSize(width, height int) int {
	return width*height + 2*(width/2)*(height/2)
}

// Bytes returns the whole I420 buffer (sources fill it in place).
func (f *Frame) Bytes() []byte {
	return f.buf
}

// Planes returns the Y, U and V planes. A released frame has no planes.
func (f *Frame) Planes() [][]byte {
	if f.released.Load() {
		return nil
	}
	ySize := f.Width * f.Height
	cSize := (f.Width / 2) * (f.Height / 2)
	return [][]byte{
		f.buf[:ySize],
		f.buf[ySize : ySize+cSize],
		f.buf[ySize+cSize : ySize+2*cSize],
	}
}

// Release hands the buffer back to the pool.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.pool != nil {
		f.pool.put(f.buf)
	}
	f.buf = nil
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// YCbCr copies the frame into a new image that outlives the frame.
func (f *Frame) YCbCr() *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio420)
	planes := f.Planes()
	if planes == nil {
		return img
	}
	copy(img.Y, planes[0])
	copy(img.Cb, planes[1])
	copy(img.Cr, planes[2])
	return img
}

// Pool recycles frame buffers of one resolution so a steady preview stream
// does not allocate a new buffer per frame.
type Pool struct {
	width, height int
	size          int
	buffers       sync.Pool // *[]byte
	outstanding   atomic.Int64
}

// NewPool creates a pool for width x height I420 frames.
func NewPool(width, height int) *Pool {
	return &Pool{width: width, height: height, size: FrameSize(width, height)}
}

// Get returns an unreleased frame with a buffer of the pool's frame size.
// The buffer content is whatever the previous user left in it.
func (p *Pool) Get() *Frame {
	var buf []byte
	if v := p.buffers.Get(); v != nil {
		buf = *(v.(*[]byte))
	}
	if cap(buf) < p.size {
		buf = make([]byte, p.size)
	}
	p.outstanding.Add(1)
	return &Frame{Width: p.width, Height: p.height, buf: buf[:p.size], pool: p}
}

func (p *Pool) put(buf []byte) {
	p.outstanding.Add(-1)
	p.buffers.Put(&buf)
}

// Outstanding returns the number of frames handed out and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Size returns the per-frame buffer size in bytes.
func (p *Pool) Size() int {
	return p.size
}
