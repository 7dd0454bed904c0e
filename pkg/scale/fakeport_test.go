package scale

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("port closed")

// fakePort is an in-memory Port. Bytes fed with feed are returned by Read;
// Read honours the read timeout like a serial port does.
type fakePort struct {
	mu         sync.Mutex
	data       chan []byte
	pending    []byte
	written    bytes.Buffer
	timeout    time.Duration
	resets     int
	afterReset string // Fed right after ResetInputBuffer, e.g. "READY\n"
	readErr    error  // Returned by every Read while set

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		data:    make(chan []byte, 64),
		timeout: 5 * time.Millisecond,
		closed:  make(chan struct{}),
	}
}

func (p *fakePort) feed(s string) {
	p.data <- []byte(s)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.timeout
	p.mu.Unlock()

	select {
	case <-p.closed:
		return 0, errPortClosed
	case chunk := <-p.data:
		n := copy(b, chunk)
		if n < len(chunk) {
			p.mu.Lock()
			p.pending = append(p.pending, chunk[n:]...)
			p.mu.Unlock()
		}
		return n, nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errPortClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.pending = nil
	p.resets++
	after := p.afterReset
	p.mu.Unlock()

drain:
	for {
		select {
		case <-p.data:
		default:
			break drain
		}
	}
	if after != "" {
		p.feed(after)
	}
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t > 0 {
		p.timeout = t
	}
	return nil
}

func (p *fakePort) Drain() error {
	return nil
}

func (p *fakePort) setReadErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *fakePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) opener() Opener {
	return func(string, int) (Port, error) {
		return p, nil
	}
}
