package nozzle

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNozzle wraps the client side of a net.Pipe so tests can act as
// the nozzle controller: read commands the port sends, write replies.
type fakeNozzle struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakePair(t *testing.T) (*Port, *fakeNozzle) {
	t.Helper()
	a, b := net.Pipe()
	port := NewPort(a, testLogger())
	fake := &fakeNozzle{conn: b, reader: bufio.NewReader(b)}
	t.Cleanup(func() { port.Close() })
	return port, fake
}

func (f *fakeNozzle) expectLine(t *testing.T) string {
	t.Helper()
	line, err := f.reader.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (f *fakeNozzle) reply(t *testing.T, raw string) {
	t.Helper()
	_, err := io.WriteString(f.conn, raw+"\n")
	require.NoError(t, err)
}

func TestPort_SendCorrelatesReply(t *testing.T) {
	port, fake := newFakePair(t)

	replyCh := make(chan Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := port.Send(context.Background(), NewCommand("rfid_get", "0076"), true, time.Second)
		replyCh <- f
		errCh <- err
	}()

	line := fake.expectLine(t)
	assert.Equal(t, "rfid_get(0076)\n", line)
	fake.reply(t, "rfid_get(0076,E200001D8914005717701BFC,2013)")

	require.NoError(t, <-errCh)
	frame := <-replyCh
	assert.Equal(t, "rfid_get", frame.Verb)
	assert.Equal(t, []string{"0076", "E200001D8914005717701BFC", "2013"}, frame.Args)
}

func TestPort_SendTimesOutWithoutCancellingTransport(t *testing.T) {
	port, fake := newFakePair(t)
	_ = fake

	_, err := port.Send(context.Background(), NewCommand("meter_read"), true, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// A late reply after the deadline is simply dropped as unsolicited
	// (spec.md §5): it must not panic or wedge the port.
	fake.reply(t, "meter_read(0.0)")
	select {
	case f := <-port.Events():
		assert.Equal(t, "meter_read", f.Verb)
	case <-time.After(time.Second):
		t.Fatal("late reply never surfaced as an event")
	}
}

func TestPort_UnsolicitedFramesAlwaysSurfaceAsEvents(t *testing.T) {
	port, fake := newFakePair(t)
	fake.reply(t, "rfid_match(0076,1)")

	select {
	case f := <-port.Events():
		assert.Equal(t, FamilyRFIDMatch, f.Family())
	case <-time.After(time.Second):
		t.Fatal("rfid_match never delivered")
	}
}

func TestPort_BusyRejectsSecondRequestForSameFamily(t *testing.T) {
	port, fake := newFakePair(t)
	_ = fake

	go port.Send(context.Background(), NewCommand("rfid_get", "0076"), true, time.Second)
	time.Sleep(20 * time.Millisecond)

	_, err := port.Send(context.Background(), NewCommand("rfid_get", "0076"), true, time.Second)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestPort_FireAndForgetDoesNotWaitForReply(t *testing.T) {
	port, fake := newFakePair(t)

	done := make(chan struct{})
	go func() {
		_, err := port.Send(context.Background(), NewCommand("set_solenoid", "1"), false, time.Second)
		assert.NoError(t, err)
		close(done)
	}()

	assert.Equal(t, "set_solenoid(1)\n", fake.expectLine(t))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget send blocked")
	}
}
