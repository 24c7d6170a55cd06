// Package lifecycle implements the lot and serial state machines.
//
// Everything here is pure logic: the caller reads current state, asks for a
// decision, and persists the outcome. Errors returned by this package are
// local validation failures and must never be retried automatically.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/lotline/lotline/internal/models"
)

// Sentinel errors for lifecycle violations.
var (
	// ErrInvalidTransition matches every *TransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrReworkExhausted is returned when a serial has consumed all
	// models.MaxRework attempts and another rework (explicit or implicit)
	// is requested. Manual intervention required.
	ErrReworkExhausted = errors.New("rework attempts exhausted")

	// ErrAlreadyPassed is returned when a completion targets a
	// (serial, process) pair that already has a recorded PASS.
	ErrAlreadyPassed = errors.New("process already passed for this serial")
)

// TransitionError reports an illegal status transition with its endpoints.
type TransitionError struct {
	Entity string // "lot" or "serial"
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold for all transition errors.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// lotTransitions is the closed transition table for lots. CLOSED is
// reachable from every non-CLOSED state and is terminal.
var lotTransitions = map[models.LotStatus][]models.LotStatus{
	models.LotStatusCreated:    {models.LotStatusInProgress, models.LotStatusClosed},
	models.LotStatusInProgress: {models.LotStatusCompleted, models.LotStatusClosed},
	models.LotStatusCompleted:  {models.LotStatusClosed},
	models.LotStatusClosed:     {},
}

// serialTransitions is the closed transition table for serials. The
// FAILED -> IN_PROGRESS edge is only taken through rework, which the
// caller requests via CheckCompletion or Rework so the attempt counter
// is always consulted.
var serialTransitions = map[models.SerialStatus][]models.SerialStatus{
	models.SerialStatusCreated:    {models.SerialStatusInProgress},
	models.SerialStatusInProgress: {models.SerialStatusPassed, models.SerialStatusFailed},
	models.SerialStatusFailed:     {models.SerialStatusInProgress},
	models.SerialStatusPassed:     {},
}

// CanTransitionLot reports whether a lot may move from one status to another.
func CanTransitionLot(from, to models.LotStatus) bool {
	for _, next := range lotTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionLot validates a lot status change.
func TransitionLot(from, to models.LotStatus) error {
	if !CanTransitionLot(from, to) {
		return &TransitionError{Entity: "lot", From: string(from), To: string(to)}
	}
	return nil
}

// CanTransitionSerial reports whether a serial may move between statuses.
func CanTransitionSerial(from, to models.SerialStatus) bool {
	for _, next := range serialTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSerial validates a serial status change.
func TransitionSerial(from, to models.SerialStatus) error {
	if !CanTransitionSerial(from, to) {
		return &TransitionError{Entity: "serial", From: string(from), To: string(to)}
	}
	return nil
}

// Rework validates an explicit rework request: FAILED -> IN_PROGRESS,
// bounded by the attempt cap. The caller increments rework_count and
// clears failure_reason when this returns nil.
func Rework(status models.SerialStatus, reworkCount int) error {
	if status != models.SerialStatusFailed {
		return &TransitionError{Entity: "serial", From: string(status), To: string(models.SerialStatusInProgress)}
	}
	if reworkCount >= models.MaxRework {
		return fmt.Errorf("%w: serial has used %d of %d attempts", ErrReworkExhausted, reworkCount, models.MaxRework)
	}
	return nil
}

// CompletionDecision tells the caller how to persist an accepted completion.
type CompletionDecision struct {
	NewStatus models.SerialStatus
	// ConsumeRework means rework_count must be incremented and
	// failure_reason cleared in the same write.
	ConsumeRework bool
}

// CheckCompletion decides whether a completion result may be recorded for a
// serial, given its current status, its rework budget, and whether a PASS
// already exists for the targeted process.
//
// The completion-result rule is orthogonal to status: PASS at most once per
// (serial, process); FAIL any number of times until a PASS is recorded or
// rework is exhausted. A PASS on a FAILED serial is an independently
// allowed write that consumes one implicit rework.
func CheckCompletion(status models.SerialStatus, reworkCount int, result models.CompletionResult, priorPass bool) (CompletionDecision, error) {
	if priorPass {
		return CompletionDecision{}, ErrAlreadyPassed
	}

	switch result {
	case models.ResultPass:
		switch status {
		case models.SerialStatusInProgress:
			return CompletionDecision{NewStatus: models.SerialStatusPassed}, nil
		case models.SerialStatusFailed:
			if reworkCount >= models.MaxRework {
				return CompletionDecision{}, fmt.Errorf("%w: serial has used %d of %d attempts", ErrReworkExhausted, reworkCount, models.MaxRework)
			}
			return CompletionDecision{NewStatus: models.SerialStatusPassed, ConsumeRework: true}, nil
		default:
			return CompletionDecision{}, &TransitionError{Entity: "serial", From: string(status), To: string(models.SerialStatusPassed)}
		}

	case models.ResultFail:
		switch status {
		case models.SerialStatusInProgress:
			return CompletionDecision{NewStatus: models.SerialStatusFailed}, nil
		case models.SerialStatusFailed:
			// Repeated failure on an already-failed unit: recorded as
			// another attempt, status unchanged, no rework consumed.
			if reworkCount >= models.MaxRework {
				return CompletionDecision{}, fmt.Errorf("%w: serial has used %d of %d attempts", ErrReworkExhausted, reworkCount, models.MaxRework)
			}
			return CompletionDecision{NewStatus: models.SerialStatusFailed}, nil
		default:
			return CompletionDecision{}, &TransitionError{Entity: "serial", From: string(status), To: string(models.SerialStatusFailed)}
		}

	case models.ResultRework:
		if err := Rework(status, reworkCount); err != nil {
			return CompletionDecision{}, err
		}
		return CompletionDecision{NewStatus: models.SerialStatusInProgress, ConsumeRework: true}, nil

	default:
		return CompletionDecision{}, fmt.Errorf("unknown completion result %q", result)
	}
}
