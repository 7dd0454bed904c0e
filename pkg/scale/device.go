package scale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/itohio/gofeeder/internal/log"
	"github.com/itohio/gofeeder/pkg/config"
)

// State is the connection lifecycle of a Serial link.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingReady
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a snapshot of the link for diagnostics.
type Status struct {
	State     State
	Reading   *Reading  // nil until the first weight
	TaredAt   time.Time // Last TARED confirmation
	PongAt    time.Time // Last PONG reply
	LastError string    // Last non-transient ERROR code
}

// Option configures a Serial link.
type Option func(*Serial)

// WithOpener replaces the serial port opener, e.g. with an in-memory transport.
func WithOpener(open Opener) Option {
	return func(d *Serial) { d.open = open }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Serial) { d.log = l }
}

// Serial is the link to the remote weight sensor. A background reader
// publishes the latest weight; callers never block waiting for one.
type Serial struct {
	cfg  config.SerialConfig
	open Opener
	log  *slog.Logger
	now  func() time.Time

	mu     sync.RWMutex // Guards conn, cancel, done and the handshake fields
	conn   Port
	cancel context.CancelFunc
	done   chan struct{}

	hsCancel context.CancelFunc // Cancels an in-flight Connect
	hsDone   chan struct{}      // Closed when that Connect returns

	writeMu sync.Mutex // Serialises commands on the write path

	state   atomic.Int32
	latest  atomic.Pointer[Reading]
	taredAt atomic.Pointer[time.Time]
	pongAt  atomic.Pointer[time.Time]
	lastErr atomic.Pointer[string]
}

// New creates a link for the configured port. It does not open the port.
func New(cfg config.SerialConfig, opts ...Option) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.OpenAttempts == 0 {
		cfg.OpenAttempts = 1
	}
	// Without a read timeout the port blocks forever and the READY window
	// is never rechecked.
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}

	d := &Serial{
		cfg:  cfg,
		open: OpenSerial,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = log.OrDefault(d.log).With("component", "scale", "port", cfg.Port)

	return d
}

// DefaultBaudRate is the baud rate of the weight sensor firmware.
const DefaultBaudRate = 115200

const (
	defaultReadTimeout = 100 * time.Millisecond
	defaultJoinTimeout = time.Second
)

// Connect opens the port, waits for the device to announce READY and starts
// the background reader. A missing READY within the ready window is fatal.
// The handshake runs without holding the link lock; Close cancels it.
func (d *Serial) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.conn != nil || d.hsCancel != nil {
		d.mu.Unlock()
		return ErrAlreadyConnected
	}
	hsCtx, hsCancel := context.WithCancel(ctx)
	hsDone := make(chan struct{})
	d.hsCancel = hsCancel
	d.hsDone = hsDone
	d.mu.Unlock()

	defer func() {
		hsCancel()
		d.mu.Lock()
		d.hsCancel = nil
		d.hsDone = nil
		d.mu.Unlock()
		close(hsDone)
	}()

	d.setState(StateConnecting)
	d.log.Info("connecting to weight sensor")

	port, err := d.openWithRetry(hsCtx)
	if err != nil {
		d.setState(StateFailed)
		return fmt.Errorf("failed to open serial port %s: %w", d.cfg.Port, err)
	}

	lr, err := d.handshake(hsCtx, port)
	if err != nil {
		d.closePort(port)
		d.setState(StateFailed)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Close may have cancelled us after READY arrived.
	if err := hsCtx.Err(); err != nil {
		d.closePort(port)
		d.setState(StateFailed)
		return err
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	d.conn = port
	d.cancel = cancel
	d.done = make(chan struct{})
	d.setState(StateReady)
	d.log.Info("weight sensor ready")

	go d.readLoop(readerCtx, lr, d.done)

	return nil
}

func (d *Serial) closePort(port Port) {
	if err := port.Close(); err != nil {
		d.log.Warn("error closing serial port", "error", err)
	}
}

func (d *Serial) openWithRetry(ctx context.Context) (Port, error) {
	var port Port
	err := retry.Do(
		func() error {
			p, err := d.open(d.cfg.Port, d.cfg.BaudRate)
			if err != nil {
				return err
			}
			port = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(d.cfg.OpenAttempts),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.log.Debug("retrying serial open", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// handshake flushes startup output and waits for READY.
func (d *Serial) handshake(ctx context.Context, port Port) (*lineReader, error) {
	if err := port.SetReadTimeout(d.cfg.ReadTimeout); err != nil {
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	// The device reboots when the port opens; give it time before flushing.
	if err := sleepCtx(ctx, d.cfg.StartupDelay); err != nil {
		return nil, err
	}
	if err := port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("failed to flush input: %w", err)
	}
	d.setState(StateAwaitingReady)

	lr := newLineReader(port)
	deadline := d.now().Add(d.cfg.ReadyTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !d.now().Before(deadline) {
			return nil, fmt.Errorf("%w within %s", ErrNotReady, d.cfg.ReadyTimeout)
		}

		line, err := lr.next()
		if err != nil {
			if errors.Is(err, errNoData) {
				continue
			}
			return nil, fmt.Errorf("waiting for READY: %w", err)
		}
		if strings.TrimSpace(line) == lineReady {
			return lr, nil
		}
		d.log.Debug("discarding line before READY", "line", line)
	}
}

// Close stops the reader and releases the port. It is safe to call when the
// link never reached Ready.
func (d *Serial) Close() error {
	d.mu.Lock()

	if d.hsCancel != nil {
		cancel, done := d.hsCancel, d.hsDone
		d.mu.Unlock()

		cancel()
		select {
		case <-done:
		case <-time.After(d.cfg.JoinTimeout):
			d.log.Warn("connect did not stop in time", "timeout", d.cfg.JoinTimeout)
		}
		d.setState(StateClosed)
		d.log.Info("connect aborted by close")
		return nil
	}
	defer d.mu.Unlock()

	if d.conn == nil {
		if d.State() != StateFailed {
			d.setState(StateClosed)
		}
		return nil
	}

	d.cancel()

	select {
	case <-d.done:
	case <-time.After(d.cfg.JoinTimeout):
		d.log.Warn("reader did not stop in time, abandoning it", "timeout", d.cfg.JoinTimeout)
	}

	d.closePort(d.conn)
	d.conn = nil
	d.cancel = nil
	d.setState(StateClosed)
	d.log.Info("serial connection closed")

	return nil
}

// Weight returns the latest weight in grams.
func (d *Serial) Weight() (float64, bool) {
	r := d.latest.Load()
	if r == nil {
		return 0, false
	}
	return r.Grams, true
}

// Latest returns the latest reading and when it arrived.
func (d *Serial) Latest() (Reading, bool) {
	r := d.latest.Load()
	if r == nil {
		return Reading{}, false
	}
	return *r, true
}

// Tare sends the tare command and waits the settle time. The device confirms
// with TARING/TARED lines which the reader logs; the tare may still be in
// progress when Tare returns.
func (d *Serial) Tare(ctx context.Context) error {
	if err := d.send(cmdTare); err != nil {
		return fmt.Errorf("failed to send tare command: %w", err)
	}
	return sleepCtx(ctx, d.cfg.TareSettle)
}

// Ping asks the device for a PONG. The reply is recorded in Status.
func (d *Serial) Ping() error {
	if err := d.send(cmdPing); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return nil
}

// IsConnected returns whether the link is Ready.
func (d *Serial) IsConnected() bool {
	return d.State() == StateReady
}

// State returns the connection lifecycle state.
func (d *Serial) State() State {
	return State(d.state.Load())
}

// Status returns a snapshot of the link.
func (d *Serial) Status() Status {
	s := Status{State: d.State()}
	if r := d.latest.Load(); r != nil {
		cp := *r
		s.Reading = &cp
	}
	if t := d.taredAt.Load(); t != nil {
		s.TaredAt = *t
	}
	if t := d.pongAt.Load(); t != nil {
		s.PongAt = *t
	}
	if e := d.lastErr.Load(); e != nil {
		s.LastError = *e
	}
	return s
}

func (d *Serial) setState(s State) {
	d.state.Store(int32(s))
}

// send writes a command on the write path. The reader owns the read path.
func (d *Serial) send(cmd string) error {
	if !d.IsConnected() {
		return ErrNotConnected
	}

	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if _, err := conn.Write([]byte(cmd)); err != nil {
		return err
	}
	return conn.Drain()
}

// readLoop reads lines until ctx is cancelled. Transport errors are logged
// and retried after a backoff; the loop never exits on its own.
func (d *Serial) readLoop(ctx context.Context, lr *lineReader, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in serial reader", "panic", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		line, err := lr.next()
		if err != nil {
			if errors.Is(err, errNoData) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.log.Warn("serial read error", "error", err)
			lr.reset()
			if sleepCtx(ctx, d.cfg.ErrorBackoff) != nil {
				return
			}
			continue
		}

		d.handleLine(line)
	}
}

// handleLine applies one device line to the link state.
func (d *Serial) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	msg, err := parseLine(line)
	if err != nil {
		d.log.Debug("ignoring malformed line", "line", line, "error", err)
		return
	}

	switch msg.Kind {
	case KindWeight:
		d.latest.Store(&Reading{Grams: msg.Grams, At: d.now()})
	case KindError:
		if msg.Transient() {
			return
		}
		code := msg.Code
		d.lastErr.Store(&code)
		d.log.Warn("weight sensor error", "code", code)
	case KindTaring:
		d.log.Info("weight sensor taring")
	case KindTared:
		now := d.now()
		d.taredAt.Store(&now)
		d.log.Info("weight sensor tared")
	case KindPong:
		now := d.now()
		d.pongAt.Store(&now)
	case KindReady:
		d.log.Info("weight sensor announced READY again, it may have restarted")
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
