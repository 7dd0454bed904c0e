package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"github.com/itohio/gofeeder/internal/log"
	"github.com/itohio/gofeeder/pkg/camera"
	"github.com/itohio/gofeeder/pkg/presence"
)

// Photographer takes a photo for a landing. It reports whether a photo was
// written; ok is false without an error when the camera had no frame.
type Photographer interface {
	Capture(now time.Time, weight *float64, source presence.Source) (path string, ok bool, err error)
}

// PhotoWriter writes camera frames as JPEG files.
type PhotoWriter struct {
	src    camera.FrameReader
	dir    string
	warmup int
	log    *slog.Logger
}

// NewPhotoWriter creates a writer storing photos under dir, discarding
// warmup frames before each shot so the camera buffer holds a fresh image.
func NewPhotoWriter(src camera.FrameReader, dir string, warmup int, logger *slog.Logger) (*PhotoWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create photo dir: %w", err)
	}
	if warmup < 0 {
		warmup = 0
	}
	return &PhotoWriter{
		src:    src,
		dir:    dir,
		warmup: warmup,
		log:    log.OrDefault(logger).With("component", "photo"),
	}, nil
}

// Capture writes one frame named after now, weight and source.
func (w *PhotoWriter) Capture(now time.Time, weight *float64, source presence.Source) (string, bool, error) {
	frame := gocv.NewMat()
	defer frame.Close()

	for range w.warmup {
		w.src.Read(&frame)
	}
	if !w.src.Read(&frame) || frame.Empty() {
		w.log.Warn("no frame for photo")
		return "", false, nil
	}

	path := filepath.Join(w.dir, Filename(now, weight, source))
	if !gocv.IMWrite(path, frame) {
		return "", false, fmt.Errorf("failed to write %s", path)
	}

	w.log.Info("photo saved", "path", path)
	return path, true, nil
}

// Filename returns bird_<YYYYMMDD_HHMMSS>_<weight>_<source>.jpg, where
// weight is formatted as 12.34g or None.
func Filename(now time.Time, weight *float64, source presence.Source) string {
	w := "None"
	if weight != nil {
		w = fmt.Sprintf("%.2fg", *weight)
	}
	return fmt.Sprintf("bird_%s_%s_%s.jpg", now.Format("20060102_150405"), w, source)
}

// Ensure PhotoWriter implements Photographer.
var _ Photographer = (*PhotoWriter)(nil)
