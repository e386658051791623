package refill

import (
	"context"
	"fmt"
	"time"

	"fascb/refill/health"
)

// runIdle waits for an operator start command, probing board health
// every 10s and issuing pair_nozzle exactly once, on the supervisor's
// very first entry into Idle (spec.md §4.4).
func (s *Supervisor) runIdle(ctx context.Context) (State, string) {
	s.reset()
	if s.firstEntry {
		s.sendFF(ctx, "pair_nozzle", []string{s.cfg.NozzleID})
		s.firstEntry = false
	}

	heartbeatTicker := time.NewTicker(10 * time.Second)
	defer heartbeatTicker.Stop()
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.stopCh:
			return Idle, "shutdown"
		case <-ctx.Done():
			return Idle, "shutdown"
		case req := <-s.opCh:
			if req.Kind == OpStart {
				req.ReplyCh <- OpReply{Accepted: true, State: Starting}
				return Starting, "operator start"
			}
			req.ReplyCh <- OpReply{Accepted: false, State: Idle, Err: fmt.Errorf("refill: only Idle accepts start")}
		case <-heartbeatTicker.C:
			go s.probeBoardHeartbeat(ctx)
		case <-tick.C:
			s.drainOperatorContact()
			now := time.Now()
			if now.Sub(s.health.LastSeen(health.BoardHeartbeat)) > 2*s.cfg.NozzleHeartbeatBudget {
				return Faulted, "board heartbeat timeout"
			}
		case frame := <-s.port.Events():
			_ = frame // unsolicited frames in Idle are logged and ignored.
		}
	}
}

func (s *Supervisor) probeBoardHeartbeat(ctx context.Context) {
	reply, err := s.sendExpect(ctx, "heartbeat", nil, s.cfg.UARTResponseTimeout)
	if err == nil && len(reply.Args) > 0 && reply.Args[0] == "0" {
		s.health.Refresh(health.BoardHeartbeat, time.Now())
	}
}

// runStarting resets refill scope and issues the first RFID poll
// (spec.md §4.4).
func (s *Supervisor) runStarting(ctx context.Context) (State, string) {
	s.reset()
	s.rfidRetryBudget = s.cfg.MaxRFIDRetries
	s.rfidTotalDeadline = time.Now().Add(s.cfg.RFIDTotalBudget)
	s.sendFF(ctx, "rfid_get", []string{s.cfg.NozzleID})
	return AwaitingFirstRfid, "starting: first rfid poll issued"
}

// runAwaitingFirstRfid polls rfid_get until a directory-known tag is
// bound, the retry budget or 3-minute ceiling is exhausted, or the
// operator-contact watch expires after at least one reply.
func (s *Supervisor) runAwaitingFirstRfid(ctx context.Context) (State, string) {
	sawAnyReply := false
	for {
		s.rejectPendingOps(AwaitingFirstRfid)
		if time.Now().After(s.rfidTotalDeadline) {
			return Idle, "rfid total budget exhausted"
		}
		reply, err := s.sendExpect(ctx, "rfid_get", []string{s.cfg.NozzleID}, DefaultDeadline(s.cfg))
		if err != nil {
			if s.rfidRetryBudget <= 0 {
				return Idle, "rfid max retries"
			}
			s.rfidRetryBudget--
			if s.checkOperatorTimeoutDuringRfid(sawAnyReply) {
				return Idle, "app comm timeout"
			}
			continue
		}
		sawAnyReply = true
		if len(reply.Args) < 2 {
			continue
		}
		tag := reply.Args[1]
		if tag == "-" {
			if s.checkOperatorTimeoutDuringRfid(sawAnyReply) {
				return Idle, "app comm timeout"
			}
			continue
		}
		vehicle, ok := s.dir.ValidateTag(tag)
		if !ok {
			continue
		}
		s.boundVehicle = &vehicle
		return AwaitingOdometer, "rfid bound: " + tag
	}
}

func (s *Supervisor) checkOperatorTimeoutDuringRfid(sawAnyReply bool) bool {
	s.drainOperatorContact()
	if !sawAnyReply {
		return false
	}
	return s.health.Expired(health.OperatorContact, time.Now())
}

// runAwaitingOdometer waits for the operator's DRF submission.
func (s *Supervisor) runAwaitingOdometer(ctx context.Context) (State, string) {
	deadline := time.Now().Add(s.cfg.DRFSubmitTimeout)
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.stopCh:
			return AwaitingOdometer, "shutdown"
		case req := <-s.opCh:
			if req.Kind == OpDRFSubmit && req.Kilometers >= 0 && req.Kilometers <= 1000 {
				s.submittedMachineHours = req.Kilometers
				req.ReplyCh <- OpReply{Accepted: true, State: ReadingFirstMeter}
				return ReadingFirstMeter, "odometer accepted"
			}
			req.ReplyCh <- OpReply{Accepted: false, State: AwaitingOdometer, Err: fmt.Errorf("refill: odometer out of range or wrong state")}
		case <-tick.C:
			s.drainOperatorContact()
			now := time.Now()
			if now.After(deadline) || s.health.Expired(health.OperatorContact, now) {
				s.sendFF(ctx, "rfid_get_stop", []string{s.cfg.NozzleID})
				return Idle, "drf submit timeout"
			}
		case <-s.port.Events():
		}
	}
}

// DefaultDeadline resolves the per-attempt request deadline for the
// nozzle port, defaulting when configuration leaves it zero.
func DefaultDeadline(cfg Config) time.Duration {
	if cfg.UARTResponseTimeout <= 0 {
		return 5 * time.Second
	}
	return cfg.UARTResponseTimeout
}
