// Package camera opens the local capture device used for motion sampling
// and photos.
package camera

import (
	"fmt"

	"gocv.io/x/gocv"
)

// FrameReader reads the newest frame into dst. It returns false when no
// frame could be read.
type FrameReader interface {
	Read(dst *gocv.Mat) bool
}

// Camera is an opened OpenCV capture device.
type Camera struct {
	id  int
	cap *gocv.VideoCapture
}

// Open opens capture device id.
func Open(id int) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", id, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("camera %d is not available", id)
	}
	return &Camera{id: id, cap: capture}, nil
}

// Read grabs the next frame. Empty frames count as failed reads.
func (c *Camera) Read(dst *gocv.Mat) bool {
	if !c.cap.Read(dst) {
		return false
	}
	return !dst.Empty()
}

// ID returns the device index.
func (c *Camera) ID() int {
	return c.id
}

// Close releases the device.
func (c *Camera) Close() error {
	return c.cap.Close()
}

// Ensure Camera implements FrameReader.
var _ FrameReader = (*Camera)(nil)
