// Package luminosity computes a brightness estimate for each camera frame.
package luminosity

import "errors"

// ErrNoPlanes is returned when a frame carries no pixel plane to analyze.
var ErrNoPlanes = errors.New("luminosity: frame has no planes")

// Frame is one camera image handed to the analyzer.
// Planes()[0] is the luma (Y) plane. Release returns the underlying buffer to
// the camera pipeline; the frame must not be used afterwards.
type Frame interface {
	Planes() [][]byte
	Release()
}

// Listener receives one luminosity sample per analyzed frame.
// It runs on the analysis worker goroutine and must not block for long.
type Listener func(luma float64)

// Analyzer is stateless: it holds no history and no buffers between frames.
type Analyzer struct {
	listener Listener
}

// NewAnalyzer returns an analyzer forwarding samples to listener.
// A nil listener discards samples.
func NewAnalyzer(listener Listener) *Analyzer {
	if listener == nil {
		listener = func(float64) {}
	}
	return &Analyzer{listener: listener}
}

// Analyze computes the mean of the first plane, passes it to the listener and
// releases the frame. The release happens on every path, including a panic in
// the listener, which is not recovered here.
func (a *Analyzer) Analyze(frame Frame) error {
	defer frame.Release()

	planes := frame.Planes()
	if len(planes) == 0 {
		return ErrNoPlanes
	}
	a.listener(Mean(planes[0]))
	return nil
}

// Mean returns the arithmetic mean of data, each byte read as an unsigned
// intensity in [0,255]. An empty slice yields 0.
func Mean(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum uint64
	for _, b := range data {
		sum += uint64(b)
	}
	return float64(sum) / float64(len(data))
}
