package refill

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fascb/directory"
	"fascb/nozzle"
	"fascb/store"
)

// fakePort is a scriptable stand-in for *nozzle.Port: tests register a
// per-verb handler and can push unsolicited frames onto both the
// events and data channels, mirroring how the real port emits
// data(frame) before correlation.
type fakePort struct {
	mu       sync.Mutex
	handlers map[string]func(nozzle.Frame) (nozzle.Frame, error)
	events   chan nozzle.Frame
	data     chan nozzle.Frame
}

func newFakePort() *fakePort {
	return &fakePort{
		handlers: map[string]func(nozzle.Frame) (nozzle.Frame, error){},
		events:   make(chan nozzle.Frame, 32),
		data:     make(chan nozzle.Frame, 32),
	}
}

func (p *fakePort) on(verb string, h func(nozzle.Frame) (nozzle.Frame, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[verb] = h
}

func (p *fakePort) Send(ctx context.Context, cmd nozzle.Frame, expectResponse bool, deadline time.Duration) (nozzle.Frame, error) {
	p.mu.Lock()
	h := p.handlers[cmd.Verb]
	p.mu.Unlock()
	if h == nil {
		if !expectResponse {
			return nozzle.Frame{}, nil
		}
		return nozzle.Frame{}, nozzle.ErrTimeout
	}
	return h(cmd)
}

func (p *fakePort) Events() <-chan nozzle.Frame { return p.events }
func (p *fakePort) Data() <-chan nozzle.Frame   { return p.data }

func (p *fakePort) push(f nozzle.Frame) {
	p.events <- f
	p.data <- f
}

// fakeStore is an in-memory stand-in for *store.Store.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*store.Transaction
	seq  int
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]*store.Transaction{}} }

func (s *fakeStore) Create(tag, fleetNumber string, startMeter float64, machineHours int, now time.Time) (*store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	tx := &store.Transaction{
		ID: "tx-" + strconv.Itoa(s.seq), Tag: tag, FleetNumber: fleetNumber,
		StartMeter: startMeter, MachineHours: machineHours, CreatedAt: now,
		Status: store.StatusInProgress,
	}
	s.rows[tx.ID] = tx
	return tx, nil
}

func (s *fakeStore) UpdateLiters(id string, liters float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].DispensedLiters = liters
	return nil
}

func (s *fakeStore) AddDispensed(id string, liters float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].DispensedLiters = liters
	s.rows[id].Status = store.StatusCompleted
	return nil
}

func (s *fakeStore) ClearIncomplete(id string) error { return nil }
func (s *fakeStore) MarkNeedsReview(id string) error { return nil }

func (s *fakeStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeStore) get(id string) (*store.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.rows[id]
	return tx, ok
}

// fakeDirectory is an in-memory stand-in for *directory.Client.
type fakeDirectory struct {
	mu       sync.Mutex
	vehicles map[string]directory.Vehicle
	hoursSet map[string]int
	synced   []float64
}

func newFakeDirectory(vs ...directory.Vehicle) *fakeDirectory {
	d := &fakeDirectory{vehicles: map[string]directory.Vehicle{}, hoursSet: map[string]int{}}
	for _, v := range vs {
		d.vehicles[v.Tag] = v
	}
	return d
}

func (d *fakeDirectory) ValidateTag(tag string) (directory.Vehicle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vehicles[tag]
	return v, ok
}

func (d *fakeDirectory) UpdateVehicleHours(ctx context.Context, tag string, hours int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hoursSet[tag] = hours
}

func (d *fakeDirectory) SyncTransaction(ctx context.Context, id, tag, fleetNumber string, liters float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.synced = append(d.synced, liters)
}

// fakeEvents is a no-op stand-in for *eventbus.Bus that records the
// kinds of events raised, for scenario S4's "0L DISPENSE" assertion.
type fakeEvents struct {
	mu     sync.Mutex
	kinds  []string
	status []string
}

func newFakeEvents() *fakeEvents { return &fakeEvents{} }

func (e *fakeEvents) PublishStatus(ctx context.Context, fields map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := fields["state"].(string); ok {
		e.status = append(e.status, s)
	}
	return nil
}

func (e *fakeEvents) RecordEvent(ctx context.Context, kind string, fields map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	return nil
}

func (e *fakeEvents) has(kind string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range e.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		NozzleID:              "N1",
		UARTResponseTimeout:   100 * time.Millisecond,
		RFIDRetryInterval:     20 * time.Millisecond,
		RFIDTotalBudget:       2 * time.Second,
		DRFSubmitTimeout:      2 * time.Second,
		NozzleHeartbeatBudget: 5 * time.Second,
		AppCommBudget:         2 * time.Second,
		AppInformTimeout:      300 * time.Millisecond,
		MeterReadTimeout:      100 * time.Millisecond,
		MeterStabilityWindow:  3,
		MeterStabilityMinGap:  10 * time.Millisecond,
		PersistStepLiters:     1,
		MaxRFIDRetries:        5,
		TickInterval:          10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, port *fakePort, st *fakeStore, dir *fakeDirectory, bus *fakeEvents) *Supervisor {
	t.Helper()
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(testConfig(), port, st, dir, bus, log)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func meterReply(liters float64) func(nozzle.Frame) (nozzle.Frame, error) {
	return func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "meter_read", Args: []string{strconv.FormatFloat(liters, 'f', 2, 64)}}, nil
	}
}

// waitForState polls the supervisor's snapshot until it reaches want
// or the timeout expires.
func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, want, s.Snapshot().State, "did not reach expected state in time")
}

func TestSupervisor_HappyPathScenario(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})
	port.on("meter_read", meterReply(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)

	reply := sv.Submit(OpRequest{Kind: OpStart})
	require.True(t, reply.Accepted)

	waitForState(t, sv, AwaitingOdometer, time.Second)
	reply = sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 42})
	require.True(t, reply.Accepted)

	waitForState(t, sv, AwaitingTagMatch, time.Second)
	port.push(nozzle.Frame{Verb: "rfid_match", Args: []string{"N1", "TAG1"}})

	waitForState(t, sv, Dispensing, time.Second)
	require.NotNil(t, sv.Snapshot().Transaction)

	// No further operator contact: the app-comm-budget watch expires
	// (testConfig sets it to 2s) and Dispensing exits to FinalMeterRead
	// with an already-stable meter reading, so finalize proceeds
	// straight to AwaitingOperatorAck without a stability re-read.
	waitForState(t, sv, AwaitingOperatorAck, 4*time.Second)

	sv.NoteAppInformed()
	waitForState(t, sv, Idle, time.Second)

	require.NotEmpty(t, sv.History())
	assert.Equal(t, 42, dir.hoursSet["TAG1"])
}

func TestSupervisor_ForceStopBeforeAnyDispenseDeletesTransaction(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})
	port.on("meter_read", meterReply(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	sv.Submit(OpRequest{Kind: OpStart})
	waitForState(t, sv, AwaitingOdometer, time.Second)
	sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 10})
	waitForState(t, sv, AwaitingTagMatch, time.Second)
	port.push(nozzle.Frame{Verb: "rfid_match", Args: []string{"N1", "TAG1"}})
	waitForState(t, sv, Dispensing, time.Second)

	txID := sv.Snapshot().Transaction.ID
	reply := sv.Submit(OpRequest{Kind: OpForceStop})
	require.True(t, reply.Accepted)

	waitForState(t, sv, AwaitingOperatorAck, 2*time.Second)
	_, exists := st.get(txID)
	assert.False(t, exists, "0-liter dispense must delete the transaction row, not leave it at 0")
	assert.True(t, bus.has("0L DISPENSE"))

	sv.NoteAppInformed()
	waitForState(t, sv, Idle, time.Second)
}

func TestSupervisor_RFIDAlarmInterruptsThenRecovers(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})
	port.on("meter_read", meterReply(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	sv.Submit(OpRequest{Kind: OpStart})
	waitForState(t, sv, AwaitingOdometer, time.Second)
	sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 10})
	waitForState(t, sv, AwaitingTagMatch, time.Second)
	port.push(nozzle.Frame{Verb: "rfid_match", Args: []string{"N1", "TAG1"}})
	waitForState(t, sv, Dispensing, time.Second)

	port.push(nozzle.Frame{Verb: "rfid_alarm", Args: []string{"N1", "TAG1"}})
	waitForState(t, sv, Interrupted, time.Second)

	waitForState(t, sv, Dispensing, 2*time.Second)
}

// TestSupervisor_RFIDAlarmWinsOverSimultaneousMeterReply constructs the
// same-tick race explicitly: once the test arms it, the fake meter_read
// handler enqueues an rfid_alarm frame into the events channel from
// inside the goroutine that is about to deliver the meter reply, so
// both port.Events() and resultCh are ready when Dispensing's select
// next runs. The alarm must win regardless of which channel Go's
// select would otherwise pick pseudo-randomly.
func TestSupervisor_RFIDAlarmWinsOverSimultaneousMeterReply(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})

	var armed int32
	port.on("meter_read", func(nozzle.Frame) (nozzle.Frame, error) {
		// Armed only after Dispensing has been observed, so the race
		// lands on one Dispensing read and Dispensing is visible first.
		if atomic.CompareAndSwapInt32(&armed, 1, 2) {
			port.events <- nozzle.Frame{Verb: "rfid_alarm", Args: []string{"N1", "TAG1"}}
		}
		return nozzle.Frame{Verb: "meter_read", Args: []string{"1.00"}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	sv.Submit(OpRequest{Kind: OpStart})
	waitForState(t, sv, AwaitingOdometer, time.Second)
	sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 10})
	waitForState(t, sv, AwaitingTagMatch, time.Second)
	port.push(nozzle.Frame{Verb: "rfid_match", Args: []string{"N1", "TAG1"}})
	waitForState(t, sv, Dispensing, time.Second)

	atomic.StoreInt32(&armed, 1)
	waitForState(t, sv, Interrupted, time.Second)
}

func TestSupervisor_AwaitingOdometerRejectsWrongOp(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})
	port.on("meter_read", meterReply(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	reply := sv.Submit(OpRequest{Kind: OpStart})
	require.True(t, reply.Accepted)

	waitForState(t, sv, AwaitingOdometer, time.Second)
	reply = sv.Submit(OpRequest{Kind: OpStart})
	assert.False(t, reply.Accepted, "AwaitingOdometer must reject a start command")

	reply = sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 5000})
	assert.False(t, reply.Accepted, "AwaitingOdometer must reject an out-of-range odometer")

	reply = sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 10})
	assert.True(t, reply.Accepted)
	waitForState(t, sv, AwaitingTagMatch, time.Second)
}

// TestSupervisor_OdometerBoundary exercises B1: kilometers = 1000 is
// accepted, 1001 is rejected.
func TestSupervisor_OdometerBoundary(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})
	port.on("meter_read", meterReply(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	sv.Submit(OpRequest{Kind: OpStart})
	waitForState(t, sv, AwaitingOdometer, time.Second)

	reply := sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 1001})
	assert.False(t, reply.Accepted, "1001 km is out of range")

	reply = sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 1000})
	assert.True(t, reply.Accepted, "1000 km is the accepted boundary")
	// ReadingFirstMeter is left as soon as the scripted meter_read reply
	// arrives, so the accepted reply's state is checked instead of
	// polling for it.
	assert.Equal(t, ReadingFirstMeter, reply.State)
	waitForState(t, sv, AwaitingTagMatch, time.Second)
}

// TestSupervisor_AwaitingOdometerTimesOutToIdle exercises S6's
// DRF-submit timeout leg: no odometer submission arrives before
// DRFSubmitTimeout, so the supervisor gives up and returns to Idle.
func TestSupervisor_AwaitingOdometerTimesOutToIdle(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	sv.Submit(OpRequest{Kind: OpStart})
	waitForState(t, sv, AwaitingOdometer, time.Second)

	waitForState(t, sv, Idle, 3*time.Second)
}

// TestSupervisor_UnknownTagIgnoredUntilRFIDBudgetExhausted exercises
// S2: an RFID reply naming a tag absent from the fleet directory is
// cleared and polling continues, never binding a vehicle or creating
// a transaction, until the total RFID budget gives up to Idle.
func TestSupervisor_UnknownTagIgnoredUntilRFIDBudgetExhausted(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "AAAAAAAAAAAAAAAAAAAAAAAA"}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	reply := sv.Submit(OpRequest{Kind: OpStart})
	require.True(t, reply.Accepted)

	waitForState(t, sv, AwaitingFirstRfid, time.Second)
	waitForState(t, sv, Idle, 3*time.Second)
	assert.Empty(t, st.rows, "an unknown tag must never create a transaction")
}

// TestSupervisor_DispensingEndsExactlyAtTankCapacityNotBefore
// exercises B2/S5: a reading just below tank capacity leaves
// Dispensing running, and a reading at capacity ends it.
func TestSupervisor_DispensingEndsExactlyAtTankCapacityNotBefore(t *testing.T) {
	port := newFakePort()
	st := newFakeStore()
	dir := newFakeDirectory(directory.Vehicle{Tag: "TAG1", FleetNumber: "F1", TankCapacityLiters: 5})
	bus := newFakeEvents()
	sv := newTestSupervisor(t, port, st, dir, bus)

	port.on("heartbeat", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "heartbeat", Args: []string{"0"}}, nil
	})
	port.on("rfid_get", func(nozzle.Frame) (nozzle.Frame, error) {
		return nozzle.Frame{Verb: "rfid_get", Args: []string{"N1", "TAG1"}}, nil
	})

	var atCapacity int32
	port.on("meter_read", func(nozzle.Frame) (nozzle.Frame, error) {
		if atomic.LoadInt32(&atCapacity) == 0 {
			return nozzle.Frame{Verb: "meter_read", Args: []string{"4.99"}}, nil
		}
		return nozzle.Frame{Verb: "meter_read", Args: []string{"5.00"}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx)
	defer sv.Stop()

	waitForState(t, sv, Idle, time.Second)
	sv.Submit(OpRequest{Kind: OpStart})
	waitForState(t, sv, AwaitingOdometer, time.Second)
	sv.Submit(OpRequest{Kind: OpDRFSubmit, Kilometers: 10})
	waitForState(t, sv, AwaitingTagMatch, time.Second)
	port.push(nozzle.Frame{Verb: "rfid_match", Args: []string{"N1", "TAG1"}})
	waitForState(t, sv, Dispensing, time.Second)

	// Below capacity: dispensing must not end on its own.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Dispensing, sv.Snapshot().State, "a reading just below capacity must not end Dispensing")

	atomic.StoreInt32(&atCapacity, 1)
	// FinalMeterRead sees 5.00 differ from the last stable 4.99 and hands
	// off to AwaitingStability at once, so the capacity exit into
	// FinalMeterRead is read from the history instead of polled.
	waitForState(t, sv, AwaitingStability, time.Second)
	hist := sv.History()
	require.GreaterOrEqual(t, len(hist), 2)
	exit := hist[len(hist)-2]
	assert.Equal(t, Dispensing, exit.From)
	assert.Equal(t, FinalMeterRead, exit.To)
	assert.Equal(t, "tank capacity", exit.Reason)

	// 5.00 is new, so it takes two 5s stability passes before
	// FinalMeterRead finds it equal to the last stable value.
	sv.NoteAppInformed()
	waitForState(t, sv, AwaitingOperatorAck, 12*time.Second)
	waitForState(t, sv, Idle, time.Second)
}
