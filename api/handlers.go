package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"fascb/refill"
)

// handleFill implements POST /api/fill (spec.md §6): requires Idle,
// transitions to Starting.
func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	before := s.sv.Snapshot().State
	reply := s.sv.Submit(refill.OpRequest{Kind: refill.OpStart})
	if !reply.Accepted {
		writeError(w, http.StatusBadRequest, "refill not accepted", map[string]interface{}{
			"currentState": before.String(), "allowedState": refill.Idle.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": reply.State.String()})
}

type drfSubmitBody struct {
	Kilometers interface{} `json:"kilometers"`
}

// handleDRFSubmit implements POST /api/drf-submit (spec.md §6):
// requires AwaitingOdometer and 0 <= kilometers <= 1000.
func (s *Server) handleDRFSubmit(w http.ResponseWriter, r *http.Request) {
	var body drfSubmitBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body", nil)
		return
	}
	km, err := coerceInt(body.Kilometers)
	if err != nil {
		writeError(w, http.StatusBadRequest, "kilometers must be an integer", nil)
		return
	}
	before := s.sv.Snapshot().State
	reply := s.sv.Submit(refill.OpRequest{Kind: refill.OpDRFSubmit, Kilometers: km})
	if !reply.Accepted {
		writeError(w, http.StatusBadRequest, "drf-submit not accepted", map[string]interface{}{
			"currentState": before.String(), "allowedState": refill.AwaitingOdometer.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"state": reply.State.String()})
}

func coerceInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("api: unsupported kilometers type %T", v)
	}
}

// handleState implements GET /api/state (spec.md §6).
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.sv.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":         snap.State.String(),
		"previousState": snap.PreviousState.String(),
		"timestamp":     snap.Timestamp,
		"transaction":   snap.Transaction,
		"vehicle":       snap.Vehicle,
		"meter": map[string]interface{}{
			"current":    snap.Meter.Current,
			"lastStable": snap.Meter.LastStable,
			"lastSaved":  snap.Meter.LastSaved,
		},
		"message": snap.Message,
	})
}

type operationBody struct {
	Token      string      `json:"token"`
	Request    string      `json:"request"`
	Kilometers interface{} `json:"kilometers"`
}

// handleOperation implements POST /api/operation (spec.md §6): a
// token-authenticated façade over the same refill lifecycle exposed by
// the plain routes, returning a small tagged response set.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	var body operationBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body", nil)
		return
	}
	if !s.validToken(body.Token) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"response": "invalid_token"})
		return
	}

	switch body.Request {
	case "refill_req":
		reply := s.sv.Submit(refill.OpRequest{Kind: refill.OpStart})
		if !reply.Accepted {
			writeJSON(w, http.StatusOK, map[string]interface{}{"response": "invalid", "message": "cannot start refill from current state"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"response": "refill_started", "state": reply.State.String()})

	case "refill_drf":
		km, err := coerceInt(body.Kilometers)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"response": "invalid", "message": "kilometers must be an integer"})
			return
		}
		reply := s.sv.Submit(refill.OpRequest{Kind: refill.OpDRFSubmit, Kilometers: km})
		if !reply.Accepted {
			writeJSON(w, http.StatusOK, map[string]interface{}{"response": "invalid", "message": "odometer out of range or wrong state"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"response": "refill_drf", "state": reply.State.String()})

	case "refill_params":
		snap := s.sv.Snapshot()
		s.sv.NoteAppInformed()
		if snap.Transaction == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"response": "invalid", "message": snap.Message})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"response": "refill_params", "tag": snap.Transaction.Tag, "fleet": snap.Transaction.FleetNumber,
			"liters": snap.Meter.Current, "timestamp": snap.Timestamp,
		})

	case "refill_finish":
		reply := s.sv.Submit(refill.OpRequest{Kind: refill.OpForceStop})
		if !reply.Accepted {
			writeJSON(w, http.StatusOK, map[string]interface{}{"response": "invalid", "message": "no active refill to finish"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"response": "refill_finished", "state": reply.State.String(), "liters": s.sv.Snapshot().Meter.LastStable,
		})

	case "vehicle_info":
		snap := s.sv.Snapshot()
		if snap.Vehicle == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"response": "tag_waiting"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"response": "vehicle_info", "vehicle": snap.Vehicle})

	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"response": "invalid", "message": "unknown request"})
	}
}

// handleHLS implements GET /api/hls/{socketId} (spec.md §6):
// socketId in {3,4}, issues hls_read(500, socketId).
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	socketID := mux.Vars(r)["socketId"]
	if socketID != "3" && socketID != "4" {
		writeError(w, http.StatusBadRequest, "socketId must be 3 or 4", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UARTResponseTimeout)
	defer cancel()
	frame, err := s.sv.HLSRead(ctx, socketID, s.cfg.UARTResponseTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hls read failed", map[string]interface{}{"detail": err.Error()})
		return
	}
	resp := map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)}
	if len(frame.Args) > 0 {
		resp["hlsId"] = frame.Args[0]
	}
	if len(frame.Args) > 1 {
		resp["meterRead"] = frame.Args[1]
	}
	if len(frame.Args) > 2 {
		resp["denominator"] = frame.Args[2]
	}
	writeJSON(w, http.StatusOK, resp)
}

type uartBody struct {
	Verb string   `json:"verb"`
	Args []string `json:"args"`
	Wait bool     `json:"wait"`
}

// handleUART implements POST /api/uart (spec.md §6, SPEC_FULL.md §9):
// diagnostic passthrough, fire-and-forget by default, optionally
// waiting for the reply when {"wait": true}.
func (s *Server) handleUART(w http.ResponseWriter, r *http.Request) {
	var body uartBody
	if err := decodeJSON(r, &body); err != nil || body.Verb == "" {
		writeError(w, http.StatusBadRequest, "malformed body: verb is required", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.UARTResponseTimeout)
	defer cancel()
	frame, err := s.sv.RawCommand(ctx, body.Verb, body.Args, body.Wait, s.cfg.UARTResponseTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "uart command failed", map[string]interface{}{"detail": err.Error()})
		return
	}
	if !body.Wait {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sent": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sent": true, "reply": map[string]interface{}{"verb": frame.Verb, "args": frame.Args}})
}
