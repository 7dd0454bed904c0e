// Package motion scores the difference between consecutive camera frames.
package motion

import (
	"gocv.io/x/gocv"

	"github.com/itohio/gofeeder/pkg/camera"
)

// DefaultPixelDelta is the per-pixel intensity change (0-255) that counts as
// motion.
const DefaultPixelDelta = 30

// Sampler turns consecutive frames into a motion score. It keeps only the
// previous frame; motion is always relative to the preceding call. Not safe
// for concurrent use.
type Sampler struct {
	src   camera.FrameReader
	delta int

	frame gocv.Mat
	gray  gocv.Mat
	prev  gocv.Mat
	diff  gocv.Mat
	mask  gocv.Mat
	ready bool // prev holds a baseline
}

// NewSampler creates a sampler reading from src. A non-positive pixelDelta
// selects DefaultPixelDelta.
func NewSampler(src camera.FrameReader, pixelDelta int) *Sampler {
	if pixelDelta <= 0 {
		pixelDelta = DefaultPixelDelta
	}
	return &Sampler{
		src:   src,
		delta: pixelDelta,
		frame: gocv.NewMat(),
		gray:  gocv.NewMat(),
		prev:  gocv.NewMat(),
		diff:  gocv.NewMat(),
		mask:  gocv.NewMat(),
	}
}

// Sample reads a frame and returns the number of pixels whose intensity
// changed by more than the pixel delta since the previous frame.
// The first frame only sets the baseline and scores 0. A failed read scores
// 0 and keeps the baseline.
func (s *Sampler) Sample() int {
	if !s.src.Read(&s.frame) || s.frame.Empty() {
		return 0
	}

	if s.frame.Channels() == 1 {
		s.frame.CopyTo(&s.gray)
	} else {
		gocv.CvtColor(s.frame, &s.gray, gocv.ColorBGRToGray)
	}

	// A resolution change invalidates the baseline.
	if !s.ready || s.gray.Rows() != s.prev.Rows() || s.gray.Cols() != s.prev.Cols() {
		s.gray.CopyTo(&s.prev)
		s.ready = true
		return 0
	}

	gocv.AbsDiff(s.gray, s.prev, &s.diff)
	gocv.Threshold(s.diff, &s.mask, float32(s.delta), 255, gocv.ThresholdBinary)
	score := gocv.CountNonZero(s.mask)

	s.gray.CopyTo(&s.prev)
	return score
}

// Reset drops the baseline; the next Sample scores 0.
func (s *Sampler) Reset() {
	s.ready = false
}

// Close releases the frame buffers. The frame source is owned by the caller.
func (s *Sampler) Close() error {
	for _, m := range []*gocv.Mat{&s.frame, &s.gray, &s.prev, &s.diff, &s.mask} {
		m.Close()
	}
	return nil
}
