// Package nozzle implements the line-framed request/response transport
// to the nozzle controller: verb-family classification and
// single-writer request/response correlation (spec.md §4.1).
//
// Grounded on battery/communication.go's retry/deadline discipline and
// on the tarm/serial open+read-loop idiom shown in
// other_examples/WIKKIwk-gscale-zebra__serial_reader.go.
package nozzle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tarm/serial"
)

var (
	// ErrTimeout is returned by Send when no matching reply arrives
	// before the deadline.
	ErrTimeout = errors.New("nozzle: timeout")
	// ErrClosed is returned once the port has been closed.
	ErrClosed = errors.New("nozzle: transport closed")
	// ErrBusy is returned when Send is called for a verb family that
	// already has a request outstanding, violating the single-writer
	// discipline spec.md §9 requires the port to assert.
	ErrBusy = errors.New("nozzle: verb family busy")
)

// DefaultDeadline is the default expect-response deadline (spec.md
// §4.1: "default 5 s").
const DefaultDeadline = 5 * time.Second

type pendingRequest struct {
	replyCh chan Frame
}

// Port is the nozzle line transport. Construct via Open (real serial
// device) or NewPort (any io.ReadWriteCloser, e.g. for tests).
type Port struct {
	rw     io.ReadWriteCloser
	writeM sync.Mutex

	log *slog.Logger

	mu      sync.Mutex
	pending map[Family]*pendingRequest
	closed  bool

	// events receives every frame that is not correlated to a pending
	// request; data receives every parsed frame, before correlation is
	// attempted (spec.md §4.1's data(frame) contract).
	events chan Frame
	data   chan Frame

	doneCh chan struct{}
}

// Open opens a real serial device at path/baud (8-N-1 is tarm/serial's
// default frame shape).
func Open(path string, baud int, log *slog.Logger) (*Port, error) {
	sp, err := serial.OpenPort(&serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: 250 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("nozzle: open %s: %w", path, err)
	}
	return NewPort(sp, log), nil
}

// NewPort wraps rw as a nozzle transport and starts its read loop.
func NewPort(rw io.ReadWriteCloser, log *slog.Logger) *Port {
	p := &Port{
		rw:      rw,
		log:     log,
		pending: make(map[Family]*pendingRequest),
		events:  make(chan Frame, 256),
		data:    make(chan Frame, 256),
		doneCh:  make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// Events returns the channel of unsolicited frames: rfid_match,
// rfid_alarm, nhb are always delivered here, and any expect-response
// family frame that arrives with nothing pending is also surfaced here
// (spec.md §4.1).
func (p *Port) Events() <-chan Frame { return p.events }

// Data returns every inbound frame, correlated or not, emitted before
// correlation is attempted (spec.md §4.1's data(frame) contract).
func (p *Port) Data() <-chan Frame { return p.data }

func (p *Port) readLoop() {
	scanner := bufio.NewScanner(p.rw)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		frame, err := ParseFrame(line)
		if err != nil {
			p.log.Warn("malformed frame", "line", line, "err", err)
			continue
		}
		select {
		case p.data <- frame:
		default:
			p.log.Warn("data channel full, dropping observation", "frame", frame.Raw)
		}
		p.correlate(frame)
	}
	p.mu.Lock()
	p.closed = true
	for _, pend := range p.pending {
		close(pend.replyCh)
	}
	p.pending = map[Family]*pendingRequest{}
	p.mu.Unlock()
	close(p.doneCh)
}

func (p *Port) correlate(frame Frame) {
	family := frame.Family()

	p.mu.Lock()
	if !unsolicitedOnly[family] {
		if pend, ok := p.pending[family]; ok {
			delete(p.pending, family)
			p.mu.Unlock()
			pend.replyCh <- frame
			return
		}
	}
	p.mu.Unlock()

	select {
	case p.events <- frame:
	default:
		p.log.Warn("event channel full, dropping unsolicited frame", "frame", frame.Raw)
	}
}

// Send writes cmd. If expectResponse is true it blocks (bounded by
// deadline, or DefaultDeadline if zero) for the next inbound frame of
// cmd's verb family, per the single-request-per-family correlation
// rule. Fire-and-forget commands return as soon as the write completes.
func (p *Port) Send(ctx context.Context, cmd Frame, expectResponse bool, deadline time.Duration) (Frame, error) {
	if !expectResponse {
		return Frame{}, p.write(cmd)
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	family := cmd.Family()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Frame{}, ErrClosed
	}
	if _, busy := p.pending[family]; busy {
		p.mu.Unlock()
		return Frame{}, ErrBusy
	}
	pend := &pendingRequest{replyCh: make(chan Frame, 1)}
	p.pending[family] = pend
	p.mu.Unlock()

	// The write runs on its own goroutine so a transport that stalls on
	// write cannot hold Send past its deadline either.
	writeErr := make(chan error, 1)
	go func() {
		if err := p.write(cmd); err != nil {
			writeErr <- err
		}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case err := <-writeErr:
		p.mu.Lock()
		delete(p.pending, family)
		p.mu.Unlock()
		return Frame{}, err
	case frame, ok := <-pend.replyCh:
		if !ok {
			return Frame{}, ErrClosed
		}
		return frame, nil
	case <-timer.C:
		p.mu.Lock()
		// The deadline elapses locally; it does not cancel the
		// underlying transport (spec.md §5). Any later match for
		// this family is simply dropped because the pending entry
		// is gone.
		delete(p.pending, family)
		p.mu.Unlock()
		return Frame{}, ErrTimeout
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, family)
		p.mu.Unlock()
		return Frame{}, ctx.Err()
	case <-p.doneCh:
		return Frame{}, ErrClosed
	}
}

func (p *Port) write(cmd Frame) error {
	p.writeM.Lock()
	defer p.writeM.Unlock()
	_, err := io.WriteString(p.rw, cmd.Encode())
	if err != nil {
		return fmt.Errorf("nozzle: write %s: %w", cmd.Verb, err)
	}
	return nil
}

// Close closes the underlying transport.
func (p *Port) Close() error {
	return p.rw.Close()
}
