package refill

import (
	"context"
	"fmt"
	"time"

	"fascb/nozzle"
	"fascb/refill/health"
)

// runReadingFirstMeter resets the meter and reads it once before
// waiting for the RFID tag to make contact (spec.md §4.4). Per-attempt
// deadline is 2s with a 150-attempt (5-minute) outer ceiling.
func (s *Supervisor) runReadingFirstMeter(ctx context.Context) (State, string) {
	s.sendFF(ctx, "meter_reset", nil)
	budget := 150
	for {
		s.rejectPendingOps(ReadingFirstMeter)
		reply, err := s.sendExpect(ctx, "meter_read", nil, 2*time.Second)
		if err != nil {
			if budget <= 0 {
				s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
				s.closeSolenoid(ctx)
				return Idle, "meter read error"
			}
			budget--
			continue
		}
		val, perr := parseLiters(reply)
		if perr != nil {
			budget--
			continue
		}
		s.filter.Push(val, time.Now())
		return AwaitingTagMatch, "first meter read ok"
	}
}

// tagMatchMaxRetries bounds the AwaitingTagMatch wait for rfid_match;
// spec.md does not name an explicit count for this wait, only the
//5-second per-attempt interval, so this mirrors max_rfid_retries
// (documented in DESIGN.md as an Open Question resolution).
const tagMatchMaxRetries = 100

// runAwaitingTagMatch waits for the nozzle to report the tag in
// contact, then creates the transaction and opens the solenoid.
func (s *Supervisor) runAwaitingTagMatch(ctx context.Context) (State, string) {
	if s.boundVehicle == nil {
		return Idle, "no bound vehicle"
	}
	s.sendFF(ctx, "rfid_get_cont", []string{s.cfg.NozzleID, s.boundVehicle.Tag})

	retries := tagMatchMaxRetries
	for {
		timer := time.NewTimer(5 * time.Second)
		select {
		case <-s.stopCh:
			timer.Stop()
			return AwaitingTagMatch, "shutdown"
		case req := <-s.opCh:
			timer.Stop()
			req.ReplyCh <- OpReply{Accepted: false, State: AwaitingTagMatch, Err: fmt.Errorf("refill: wrong state for that op")}
		case frame := <-s.port.Events():
			timer.Stop()
			if frame.Family() != nozzle.FamilyRFIDMatch {
				continue
			}
			s.rfidInContact = true
			tx, err := s.store.Create(s.boundVehicle.Tag, s.boundVehicle.FleetNumber, s.filter.Current().Float(), s.submittedMachineHours, time.Now())
			if err != nil {
				s.log.Error("transaction create failed", "err", err)
				return AwaitingOperatorAck, "Database Error"
			}
			s.tx = tx
			s.openSolenoid(ctx)
			return Dispensing, "rfid match: tag in contact"
		case <-timer.C:
			if retries <= 0 {
				s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
				return Idle, "tag match retries exhausted"
			}
			retries--
		}
	}
}

type meterResult struct {
	frame nozzle.Frame
	err   error
}

// runDispensing continuously reads the meter, persisting every
// PERSIST_STEP crossing, until one of the priority-ordered exit
// conditions in spec.md §4.4 fires.
func (s *Supervisor) runDispensing(ctx context.Context) (State, string) {
	meterRetryBudget := 5
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	for {
		resultCh := make(chan meterResult, 1)
		go func() {
			f, err := s.sendExpect(ctx, "meter_read", nil, 5*time.Second)
			resultCh <- meterResult{f, err}
		}()

		var res meterResult
	waitReply:
		for {
			// Priority 2: rfid_alarm always wins, even if a meter_read
			// reply is also pending this tick (B3). Checked
			// non-blockingly ahead of the main select so a same-tick
			// race can never let resultCh be picked over a pending
			// alarm.
			select {
			case frame := <-s.port.Events():
				if frame.Family() == nozzle.FamilyRFIDAlarm {
					s.rfidInContact = false
					s.closeSolenoid(ctx)
					return Interrupted, "tag contact lost"
				}
				continue waitReply
			default:
			}

			select {
			case <-s.stopCh:
				return Dispensing, "shutdown"
			case req := <-s.opCh:
				if req.Kind == OpForceStop {
					req.ReplyCh <- OpReply{Accepted: true, State: ForceStopping}
					return ForceStopping, "operator force-stop"
				}
				req.ReplyCh <- OpReply{Accepted: false, State: Dispensing, Err: fmt.Errorf("refill: wrong state for that op")}
			case frame := <-s.port.Events():
				if frame.Family() == nozzle.FamilyRFIDAlarm {
					s.rfidInContact = false
					s.closeSolenoid(ctx)
					return Interrupted, "tag contact lost"
				}
			case <-tick.C:
				s.drainOperatorContact()
				now := time.Now()
				// Priority 1: nozzle-heartbeat timeout.
				if now.Sub(s.health.LastSeen(health.NozzleHeartbeat)) >= s.cfg.NozzleHeartbeatBudget {
					s.closeSolenoid(ctx)
					return Interrupted, "nozzle comm lost"
				}
				// Priority 4: operator-contact timeout.
				if s.health.Expired(health.OperatorContact, now) {
					s.closeSolenoid(ctx)
					s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
					return FinalMeterRead, "app comm timeout"
				}
			case r := <-resultCh:
				res = r
				break waitReply
			}
		}

		if res.err != nil {
			meterRetryBudget--
			if meterRetryBudget <= 0 {
				// Priority 6: meter read retry budget exhausted.
				s.closeSolenoid(ctx)
				s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
				return FinalMeterRead, "meter timeout"
			}
			continue
		}
		meterRetryBudget = 5

		val, perr := parseLiters(res.frame)
		if perr != nil {
			continue
		}
		s.filter.Push(val, time.Now())

		// Priority 5: tank capacity reached.
		if s.boundVehicle != nil && val.Float() >= s.boundVehicle.TankCapacityLiters {
			s.closeSolenoid(ctx)
			s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
			return FinalMeterRead, "tank capacity"
		}

		if val.Float()-s.filter.LastSaved().Float() >= s.cfg.PersistStepLiters && s.tx != nil {
			if err := s.store.UpdateLiters(s.tx.ID, val.Float()); err != nil {
				s.log.Warn("persist step failed", "err", err)
			} else {
				s.filter.MarkSaved(val)
			}
		}
	}
}

// interruptedMaxDuration bounds Interrupted's total wait for RFID
// recovery. spec.md §9 flags the source's raw-millisecond retry
// budget as an off-by-unit bug; this derives the retry count from an
// explicit duration and the poll interval instead.
const interruptedMaxDuration = 3 * time.Minute

// runInterrupted polls rfid_get every RFIDRetryInterval hoping for the
// bound tag to reappear, honoring an operator force-stop or an
// operator-contact timeout at any time (spec.md §4.4).
func (s *Supervisor) runInterrupted(ctx context.Context) (State, string) {
	maxRetries := int(interruptedMaxDuration / s.cfg.RFIDRetryInterval)
	if maxRetries < 1 {
		maxRetries = 1
	}

	for i := 0; i < maxRetries; i++ {
		// Each poll is issued only after one RFIDRetryInterval has passed.
		pace := time.After(s.cfg.RFIDRetryInterval)
		resultCh := make(chan meterResult, 1)

		var res meterResult
	waitReply:
		for {
			select {
			case <-s.stopCh:
				return Interrupted, "shutdown"
			case req := <-s.opCh:
				if req.Kind == OpForceStop {
					req.ReplyCh <- OpReply{Accepted: true, State: ForceStopping}
					return ForceStopping, "operator force-stop"
				}
				req.ReplyCh <- OpReply{Accepted: false, State: Interrupted, Err: fmt.Errorf("refill: wrong state for that op")}
			case <-pace:
				go func() {
					f, err := s.sendExpect(ctx, "rfid_get", []string{s.cfg.NozzleID}, s.cfg.RFIDRetryInterval)
					resultCh <- meterResult{f, err}
				}()
			case r := <-resultCh:
				res = r
				break waitReply
			}
		}

		s.drainOperatorContact()
		if s.health.Expired(health.OperatorContact, time.Now()) {
			return FinalMeterRead, "app comm timeout"
		}

		if res.err == nil && len(res.frame.Args) >= 2 && s.boundVehicle != nil && res.frame.Args[1] == s.boundVehicle.Tag {
			s.rfidInContact = true
			s.sendFF(ctx, "rfid_get_cont", []string{s.cfg.NozzleID, s.boundVehicle.Tag})
			s.openSolenoid(ctx)
			return Dispensing, "RFID recovered"
		}
	}
	s.sendFF(ctx, "rfid_stop", []string{s.cfg.NozzleID})
	return FinalMeterRead, "nozzle removed"
}
