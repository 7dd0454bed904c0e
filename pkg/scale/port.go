package scale

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is the transport the link needs. serial.Port satisfies it.
// Reads and writes may be issued from different goroutines.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Drain() error
}

// Opener opens a transport by name.
type Opener func(name string, baudRate int) (Port, error)

// PortInfo describes an available serial port.
type PortInfo struct {
	Name        string
	Description string
}

// OpenSerial opens a serial port in 8N1 mode at the given baud rate.
func OpenSerial(name string, baudRate int) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Ports returns a list of available serial ports.
func Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(details))
	for _, d := range details {
		desc := d.Name
		if d.IsUSB {
			desc = fmt.Sprintf("%s (USB %s:%s %s)", d.Name, d.VID, d.PID, d.Product)
		}
		result = append(result, PortInfo{
			Name:        d.Name,
			Description: desc,
		})
	}

	return result, nil
}

// errNoData reports a read that timed out before a full line arrived.
var errNoData = errors.New("no data")

// maxLineLength bounds a line; longer garbage is discarded.
const maxLineLength = 256

// lineReader splits a timed-out-read transport into newline-terminated lines.
// It is used by one goroutine at a time.
type lineReader struct {
	r       io.Reader
	buf     []byte
	pending []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{
		r:   r,
		buf: make([]byte, 128),
	}
}

// next returns the next line without its terminator, or errNoData when
// the underlying read returned nothing.
func (lr *lineReader) next() (string, error) {
	for {
		if i := bytes.IndexByte(lr.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(lr.pending[:i], "\r"))
			n := copy(lr.pending, lr.pending[i+1:])
			lr.pending = lr.pending[:n]
			return line, nil
		}

		n, err := lr.r.Read(lr.buf)
		if n > 0 {
			lr.pending = append(lr.pending, lr.buf[:n]...)
			if len(lr.pending) > maxLineLength && bytes.IndexByte(lr.pending, '\n') < 0 {
				lr.pending = lr.pending[:0]
			}
		}
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errNoData
		}
	}
}

// reset drops any partial line.
func (lr *lineReader) reset() {
	lr.pending = lr.pending[:0]
}
