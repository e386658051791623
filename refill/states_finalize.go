package refill

import (
	"context"
	"fmt"
	"time"

	"fascb/refill/meter"
)

// runFinalMeterRead re-reads the meter (2-attempt, 5s-per-attempt
// budget). A reply that differs from the last stable value is fed to
// the filter and hands off to AwaitingStability; a reply equal to it
// calls finalize (spec.md §4.4). The comparison happens before the
// reply is fed to the filter, so a new final value needs two
// AwaitingStability passes: one to become stable, one to match.
func (s *Supervisor) runFinalMeterRead(ctx context.Context) (State, string) {
	budget := 2
	for {
		s.rejectPendingOps(FinalMeterRead)
		reply, err := s.sendExpect(ctx, "meter_read", nil, 5*time.Second)
		if err != nil {
			budget--
			if budget <= 0 {
				return s.finalize(ctx, s.filter.LastStable())
			}
			continue
		}
		val, perr := parseLiters(reply)
		if perr != nil {
			budget--
			if budget <= 0 {
				return s.finalize(ctx, s.filter.LastStable())
			}
			continue
		}
		if val != s.filter.LastStable() {
			s.filter.Push(val, time.Now())
			return AwaitingStability, "final read differs from last stable, awaiting stability"
		}
		return s.finalize(ctx, val)
	}
}

// runAwaitingStability is a pure 5s timer before re-reading the meter.
func (s *Supervisor) runAwaitingStability(ctx context.Context) (State, string) {
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-s.stopCh:
			return AwaitingStability, "shutdown"
		case req := <-s.opCh:
			req.ReplyCh <- OpReply{Accepted: false, State: AwaitingStability, Err: fmt.Errorf("refill: no operator commands accepted while awaiting stability")}
		case <-timer.C:
			return FinalMeterRead, "re-read after stability wait"
		}
	}
}

// finalize implements the Finalize procedure (spec.md §4.4): persist
// or delete the transaction depending on the final volume, then hand
// off to AwaitingOperatorAck.
func (s *Supervisor) finalize(ctx context.Context, final meter.Liters) (State, string) {
	if s.tx != nil {
		if final.Float() > 0 {
			if err := s.store.UpdateLiters(s.tx.ID, final.Float()); err != nil {
				s.log.Error("finalize: update liters failed", "err", err)
			}
			if err := s.store.AddDispensed(s.tx.ID, final.Float()); err != nil {
				s.log.Error("finalize: add dispensed failed", "err", err)
			}
			if err := s.store.ClearIncomplete(s.tx.ID); err != nil {
				s.log.Warn("finalize: clear incomplete failed", "err", err)
			}
			if s.dir != nil && s.boundVehicle != nil {
				s.dir.UpdateVehicleHours(ctx, s.boundVehicle.Tag, s.submittedMachineHours)
				s.dir.SyncTransaction(ctx, s.tx.ID, s.tx.Tag, s.tx.FleetNumber, final.Float())
			}
		} else {
			if err := s.store.Delete(s.tx.ID); err != nil {
				s.log.Error("finalize: delete zero-liter transaction failed", "err", err)
			}
			if err := s.store.ClearIncomplete(s.tx.ID); err != nil {
				s.log.Warn("finalize: clear incomplete failed", "err", err)
			}
			if s.bus != nil {
				_ = s.bus.RecordEvent(ctx, "0L DISPENSE", map[string]interface{}{"tag": s.tx.Tag})
			}
		}
	}
	s.appInformed = false
	return AwaitingOperatorAck, "finalized"
}

// runAwaitingOperatorAck waits for the operator to poll status (which
// sets appInformed) or a 10s timeout; both lead back to Idle.
func (s *Supervisor) runAwaitingOperatorAck(ctx context.Context) (State, string) {
	deadline := time.Now().Add(s.cfg.AppInformTimeout)
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.stopCh:
			return AwaitingOperatorAck, "shutdown"
		case <-tick.C:
			s.drainOperatorContact()
			if s.appInformed || time.Now().After(deadline) {
				return Idle, "operator acknowledged or timeout"
			}
		case req := <-s.opCh:
			req.ReplyCh <- OpReply{Accepted: false, State: AwaitingOperatorAck, Err: fmt.Errorf("refill: no operator commands accepted while awaiting ack")}
		}
	}
}

// runForceStopping atomically fetches a final meter reading, closes
// the solenoid, and stops the RFID reader before deciding whether a
// meaningful volume needs one more confirmation pass.
func (s *Supervisor) runForceStopping(ctx context.Context) (State, string) {
	reply, err := s.sendExpect(ctx, "meter_read", nil, 5*time.Second)
	s.closeSolenoid(ctx)
	s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})

	usable := s.filter.LastStable()
	if err == nil {
		if val, perr := parseLiters(reply); perr == nil && val.Float() > 0 {
			usable = val
			s.filter.Push(val, time.Now())
		}
	}
	if usable.Float() > 0 {
		return FinalMeterRead, "force-stop: confirming final volume"
	}
	return s.finalize(ctx, usable)
}

// runFaulted holds off for 5s, then attempts up to 3 recoveries spaced
// 2s apart within a 30s ceiling from fault entry. A transaction in
// flight with a positive last_stable is persisted and handed to the
// operator; otherwise the supervisor resets clean to Idle (spec.md
// §4.4).
func (s *Supervisor) runFaulted(ctx context.Context) (State, string) {
	if s.faultedAt.IsZero() {
		s.faultedAt = time.Now()
		s.faultRecoveries = 0
	}
	const minWait = 5 * time.Second
	const maxWait = 30 * time.Second

	if elapsed := time.Since(s.faultedAt); elapsed < minWait {
		wait := time.NewTimer(minWait - elapsed)
	minWaitLoop:
		for {
			select {
			case <-s.stopCh:
				wait.Stop()
				return Faulted, "shutdown"
			case req := <-s.opCh:
				req.ReplyCh <- OpReply{Accepted: false, State: Faulted, Err: fmt.Errorf("refill: no operator commands accepted while faulted")}
			case <-wait.C:
				break minWaitLoop
			}
		}
	}

	for s.faultRecoveries < 3 && time.Since(s.faultedAt) < maxWait {
		s.faultRecoveries++
		s.rejectPendingOps(Faulted)
		if s.attemptRecovery(ctx) {
			s.faultedAt = time.Time{}
			s.faultRecoveries = 0
			if s.tx != nil && s.filter.LastStable().Float() > 0 {
				if err := s.store.UpdateLiters(s.tx.ID, s.filter.LastStable().Float()); err != nil {
					s.log.Error("faulted: persist in-flight transaction failed", "err", err)
				}
				if err := s.store.MarkNeedsReview(s.tx.ID); err != nil {
					s.log.Error("faulted: mark needs review failed", "err", err)
				}
				return AwaitingOperatorAck, "recovered with transaction in flight"
			}
			s.reset()
			return Idle, "recovered"
		}
		wait := time.NewTimer(2 * time.Second)
	retryWaitLoop:
		for {
			select {
			case <-s.stopCh:
				wait.Stop()
				return Faulted, "shutdown"
			case req := <-s.opCh:
				req.ReplyCh <- OpReply{Accepted: false, State: Faulted, Err: fmt.Errorf("refill: no operator commands accepted while faulted")}
			case <-wait.C:
				break retryWaitLoop
			}
		}
	}

	s.faultedAt = time.Time{}
	s.faultRecoveries = 0
	if s.bus != nil {
		_ = s.bus.RecordEvent(ctx, "critical-error", map[string]interface{}{"reason": "fault recovery exhausted"})
	}
	s.reset()
	return Idle, "fault recovery exhausted, full reset"
}

// attemptRecovery runs one fault-recovery pass: health probe, solenoid
// close, RFID stop, meter reset, LED off, meter probe, RFID probe. The
// wire grammar has no dedicated LED verb, so rfid_get_stop stands in
// for extinguishing it, matching the operator-visible effect.
func (s *Supervisor) attemptRecovery(ctx context.Context) bool {
	reply, err := s.sendExpect(ctx, "heartbeat", nil, s.cfg.UARTResponseTimeout)
	if err != nil || len(reply.Args) == 0 || reply.Args[0] != "0" {
		return false
	}
	s.closeSolenoid(ctx)
	s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
	s.sendFF(ctx, "meter_reset", nil)
	s.sendFF(ctx, "rfid_get_stop", []string{s.cfg.NozzleID})

	if _, err := s.sendExpect(ctx, "meter_read", nil, s.cfg.UARTResponseTimeout); err != nil {
		return false
	}
	if _, err := s.sendExpect(ctx, "rfid_get", []string{s.cfg.NozzleID}, s.cfg.UARTResponseTimeout); err != nil {
		return false
	}
	return true
}
