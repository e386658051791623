package refill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fascb/directory"
	"fascb/nozzle"
	"fascb/refill/health"
	"fascb/refill/meter"
	"fascb/store"
)

// Port is the subset of *nozzle.Port the supervisor depends on.
type Port interface {
	Send(ctx context.Context, cmd nozzle.Frame, expectResponse bool, deadline time.Duration) (nozzle.Frame, error)
	Events() <-chan nozzle.Frame
	Data() <-chan nozzle.Frame
}

// Store is the subset of *store.Store the supervisor depends on.
type Store interface {
	Create(tag, fleetNumber string, startMeter float64, machineHours int, now time.Time) (*store.Transaction, error)
	UpdateLiters(id string, liters float64) error
	AddDispensed(id string, liters float64) error
	ClearIncomplete(id string) error
	MarkNeedsReview(id string) error
	Delete(id string) error
}

// Directory is the subset of *directory.Client the supervisor depends on.
type Directory interface {
	ValidateTag(tag string) (directory.Vehicle, bool)
	UpdateVehicleHours(ctx context.Context, tag string, hours int)
	SyncTransaction(ctx context.Context, id, tag, fleetNumber string, liters float64)
}

// Events is the subset of *eventbus.Bus the supervisor depends on.
type Events interface {
	PublishStatus(ctx context.Context, fields map[string]interface{}) error
	RecordEvent(ctx context.Context, kind string, fields map[string]interface{}) error
}

// Config is the subset of timing/behavior configuration the supervisor
// needs (spec.md §6).
type Config struct {
	NozzleID              string
	UARTResponseTimeout   time.Duration
	RFIDRetryInterval     time.Duration
	RFIDTotalBudget       time.Duration
	DRFSubmitTimeout      time.Duration
	NozzleHeartbeatBudget time.Duration
	AppCommBudget         time.Duration
	AppInformTimeout      time.Duration
	MeterReadTimeout      time.Duration
	MeterStabilityWindow  int
	MeterStabilityMinGap  time.Duration
	PersistStepLiters     float64
	MaxRFIDRetries        int
	TickInterval          time.Duration
}

// OpKind names an operator-issued command accepted by the supervisor
// (spec.md §6).
type OpKind int

const (
	OpStart OpKind = iota
	OpDRFSubmit
	OpForceStop
)

// OpRequest is one operator command, delivered synchronously via
// ReplyCh so the HTTP handler can return the resulting state or a
// rejection (spec.md I6: only specific states accept specific ops).
type OpRequest struct {
	Kind       OpKind
	Kilometers int
	ReplyCh    chan OpReply
}

// OpReply is the supervisor's synchronous answer to an OpRequest.
type OpReply struct {
	Accepted bool
	State    State
	Err      error
}

// VehicleView is the read-only vehicle projection exposed to GET /api/state.
type VehicleView struct {
	Tag                 string
	FleetNumber         string
	TankCapacityLiters  float64
	CurrentMachineHours int
}

// TransactionView is the read-only transaction projection exposed to
// GET /api/state.
type TransactionView struct {
	ID              string
	Tag             string
	FleetNumber     string
	DispensedLiters float64
}

// MeterView is the read-only meter projection exposed to GET /api/state.
type MeterView struct {
	Current    float64
	LastStable float64
	LastSaved  float64
}

// Snapshot is the immutable view GET /api/state serves; the reactor
// publishes a fresh one on every state transition.
type Snapshot struct {
	State         State
	PreviousState State
	Timestamp     time.Time
	Message       string
	Transaction   *TransactionView
	Vehicle       *VehicleView
	Meter         MeterView
}

// Supervisor is the refill supervisor: a single-threaded reactor
// (spec.md §4.4/§5). Construct with New and run its reactor with Run.
type Supervisor struct {
	cfg   Config
	port  Port
	store Store
	dir   Directory
	bus   Events
	log   *slog.Logger

	health *health.Monitor
	filter *meter.Filter

	opCh              chan OpRequest
	operatorContactCh chan struct{}
	appInformedCh     chan struct{}
	stopCh            chan struct{}
	stopOnce          sync.Once

	snapMu sync.RWMutex
	snap   Snapshot

	histMu  sync.Mutex
	history []TransitionEntry

	// refill-scoped state, exclusively owned by the reactor goroutine.
	state         State
	previousState State
	boundVehicle  *directory.Vehicle
	tx            *store.Transaction
	rfidInContact bool
	appInformed   bool
	message       string
	firstEntry    bool

	// retry/deadline bookkeeping, each scoped to the state that owns it.
	rfidRetryBudget       int
	rfidTotalDeadline     time.Time
	submittedMachineHours int
	faultRecoveries       int
	faultedAt             time.Time
}

// New constructs a supervisor. Call Run to start its reactor.
func New(cfg Config, port Port, st Store, dir Directory, bus Events, log *slog.Logger) *Supervisor {
	now := time.Now()
	sv := &Supervisor{
		cfg:               cfg,
		port:              port,
		store:             st,
		dir:               dir,
		bus:               bus,
		log:               log,
		health:            health.New(now, cfg.NozzleHeartbeatBudget, cfg.AppCommBudget),
		filter:            meter.New(cfg.MeterStabilityWindow, cfg.MeterStabilityMinGap),
		opCh:              make(chan OpRequest, 4),
		operatorContactCh: make(chan struct{}, 1),
		appInformedCh:     make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		state:             Idle,
		firstEntry:        true,
	}
	sv.health.SetOperatorBounded(false)
	sv.publishSnapshot("startup")
	return sv
}

// Submit delivers an operator command and blocks for the supervisor's
// synchronous reply. Safe for concurrent HTTP handlers to call.
func (s *Supervisor) Submit(req OpRequest) OpReply {
	req.ReplyCh = make(chan OpReply, 1)
	select {
	case s.opCh <- req:
	case <-s.stopCh:
		return OpReply{Accepted: false, Err: fmt.Errorf("refill: supervisor stopped")}
	}
	s.NoteOperatorContact()
	select {
	case reply := <-req.ReplyCh:
		return reply
	case <-s.stopCh:
		return OpReply{Accepted: false, Err: fmt.Errorf("refill: supervisor stopped")}
	}
}

// NoteOperatorContact refreshes the operator-contact watch. Every
// reachable HTTP request calls this, per spec.md §6.
func (s *Supervisor) NoteOperatorContact() {
	select {
	case s.operatorContactCh <- struct{}{}:
	default:
	}
}

// NoteAppInformed records that the operator has polled status; used by
// AwaitingOperatorAck to end the wait early (spec.md §4.4).
func (s *Supervisor) NoteAppInformed() {
	s.NoteOperatorContact()
	select {
	case s.appInformedCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the current read-only status view.
func (s *Supervisor) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// History returns the most recent transitions, oldest first.
func (s *Supervisor) History() []TransitionEntry {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]TransitionEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Stop signals the reactor to exit at its next opportunity.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run is the reactor: it drives the state machine forever, one state
// handler invocation at a time, until Stop is called. Each state
// handler owns issuing its own bounded nozzle I/O and returns the next
// state and a human-readable reason (spec.md §4.4 Common properties:
// "transitions without a reason are treated as a programming error").
func (s *Supervisor) Run(ctx context.Context) {
	go s.pumpNozzleHealth(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		handler := s.handlerFor(s.state)
		next, reason := handler(ctx)
		if reason == "" {
			reason = "unspecified transition"
			s.log.Error("transition without reason, escalating to Faulted", "from", s.state, "to", next)
			next = Faulted
		}
		s.transition(next, reason)
	}
}

func (s *Supervisor) handlerFor(state State) func(context.Context) (State, string) {
	switch state {
	case Idle:
		return s.runIdle
	case Starting:
		return s.runStarting
	case AwaitingFirstRfid:
		return s.runAwaitingFirstRfid
	case AwaitingOdometer:
		return s.runAwaitingOdometer
	case ReadingFirstMeter:
		return s.runReadingFirstMeter
	case AwaitingTagMatch:
		return s.runAwaitingTagMatch
	case Dispensing:
		return s.runDispensing
	case Interrupted:
		return s.runInterrupted
	case FinalMeterRead:
		return s.runFinalMeterRead
	case AwaitingStability:
		return s.runAwaitingStability
	case AwaitingOperatorAck:
		return s.runAwaitingOperatorAck
	case ForceStopping:
		return s.runForceStopping
	case Faulted:
		return s.runFaulted
	default:
		return func(context.Context) (State, string) { return Faulted, "unknown state" }
	}
}

func (s *Supervisor) transition(next State, reason string) {
	now := time.Now()
	s.histMu.Lock()
	s.history = append(s.history, TransitionEntry{From: s.state, To: next, Reason: reason, Timestamp: now})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.histMu.Unlock()

	s.log.Info("transition", "from", s.state, "to", next, "reason", reason)
	s.previousState = s.state
	s.state = next
	s.message = reason
	if s.bus != nil {
		_ = s.bus.RecordEvent(context.Background(), "transition", map[string]interface{}{
			"from": s.previousState.String(), "to": next.String(), "reason": reason,
		})
	}
	s.health.SetOperatorBounded(next != Idle)
	s.publishSnapshot(reason)
}

func (s *Supervisor) publishSnapshot(message string) {
	snap := Snapshot{
		State:         s.state,
		PreviousState: s.previousState,
		Timestamp:     time.Now(),
		Message:       message,
		Meter: MeterView{
			Current:    s.filter.Current().Float(),
			LastStable: s.filter.LastStable().Float(),
			LastSaved:  s.filter.LastSaved().Float(),
		},
	}
	if s.boundVehicle != nil {
		snap.Vehicle = &VehicleView{
			Tag: s.boundVehicle.Tag, FleetNumber: s.boundVehicle.FleetNumber,
			TankCapacityLiters: s.boundVehicle.TankCapacityLiters, CurrentMachineHours: s.boundVehicle.CurrentMachineHours,
		}
	}
	if s.tx != nil {
		snap.Transaction = &TransactionView{ID: s.tx.ID, Tag: s.tx.Tag, FleetNumber: s.tx.FleetNumber, DispensedLiters: s.tx.DispensedLiters}
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	if s.bus != nil {
		_ = s.bus.PublishStatus(context.Background(), map[string]interface{}{
			"state": s.state.String(), "message": message,
		})
	}
}

// reset clears every refill-scoped variable, required on every
// re-entry into Idle (spec.md §4.4 Common properties).
func (s *Supervisor) reset() {
	s.filter.Reset()
	s.boundVehicle = nil
	s.tx = nil
	s.rfidInContact = false
	s.appInformed = false
	s.health.Reset(time.Now())
	// Drain any cached unsolicited frames.
	for {
		select {
		case <-s.port.Events():
		default:
			return
		}
	}
}

// rejectPendingOps immediately rejects any operator command already
// queued in opCh, without blocking. States that do their own
// synchronous nozzle I/O outside a select call this between attempts
// so Submit never waits past the current state's boundary (spec.md
// §6: "State-guard violations ... rejected at the boundary ... never
// mutate supervisor state").
func (s *Supervisor) rejectPendingOps(current State) {
	for {
		select {
		case req := <-s.opCh:
			req.ReplyCh <- OpReply{Accepted: false, State: current, Err: fmt.Errorf("refill: no operator commands accepted in %s", current)}
		default:
			return
		}
	}
}

// drainOperatorContact applies any pending contact/appInformed
// signals to the health monitor and local flags without blocking.
func (s *Supervisor) drainOperatorContact() {
	select {
	case <-s.operatorContactCh:
		s.health.Refresh(health.OperatorContact, time.Now())
	default:
	}
	select {
	case <-s.appInformedCh:
		s.appInformed = true
	default:
	}
}

func (s *Supervisor) sendExpect(ctx context.Context, verb string, args []string, deadline time.Duration) (nozzle.Frame, error) {
	return s.port.Send(ctx, nozzle.NewCommand(verb, args...), true, deadline)
}

func (s *Supervisor) sendFF(ctx context.Context, verb string, args []string) {
	_, _ = s.port.Send(ctx, nozzle.NewCommand(verb, args...), false, 0)
}

// pumpNozzleHealth refreshes the board/nozzle heartbeat watches from
// every inbound frame, independent of which state the reactor is
// currently in (spec.md §4.3: "refreshed by any inbound frame
// originating from the nozzle").
func (s *Supervisor) pumpNozzleHealth(ctx context.Context) {
	data := s.port.Data()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case frame, ok := <-data:
			if !ok {
				return
			}
			now := time.Now()
			switch frame.Family() {
			case nozzle.FamilyNHB, nozzle.FamilyRFIDMatch, nozzle.FamilyRFIDAlarm:
				s.health.Refresh(health.NozzleHeartbeat, now)
			case nozzle.FamilyRFIDGet:
				if len(frame.Args) > 0 && frame.Args[0] == s.cfg.NozzleID {
					s.health.Refresh(health.NozzleHeartbeat, now)
				}
			case nozzle.FamilyHeartbeat:
				if len(frame.Args) > 0 && frame.Args[0] == "0" {
					s.health.Refresh(health.BoardHeartbeat, now)
				}
			}
		}
	}
}

// HLSRead issues a diagnostic hls_read(500, socketID) request, used by
// GET /api/hls/{socketId}. It bypasses the FSM entirely: hls_read is
// its own verb family, so it cannot collide with a request in flight
// for the active refill (spec.md §6).
func (s *Supervisor) HLSRead(ctx context.Context, socketID string, deadline time.Duration) (nozzle.Frame, error) {
	return s.sendExpect(ctx, "hls_read", []string{"500", socketID}, deadline)
}

// RawCommand issues an arbitrary diagnostic command for POST
// /api/uart. When wait is false it is fire-and-forget; when true it
// blocks (bounded by deadline) for the next reply of the same verb
// family, per the supplemented "response echo" behavior (SPEC_FULL.md
// §9). A verb family already busy with a live refill request surfaces
// nozzle.ErrBusy to the caller.
func (s *Supervisor) RawCommand(ctx context.Context, verb string, args []string, wait bool, deadline time.Duration) (nozzle.Frame, error) {
	if !wait {
		s.sendFF(ctx, verb, args)
		return nozzle.Frame{}, nil
	}
	return s.sendExpect(ctx, verb, args, deadline)
}

func (s *Supervisor) closeSolenoid(ctx context.Context) {
	s.sendFF(ctx, "set_solenoid", []string{"0"})
}

func (s *Supervisor) openSolenoid(ctx context.Context) {
	s.sendFF(ctx, "set_solenoid", []string{"1"})
}
