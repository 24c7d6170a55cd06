// Package models defines the core domain types for lotline.
package models

import "time"

// LotStatus represents the current state of a production lot.
type LotStatus string

const (
	LotStatusCreated    LotStatus = "CREATED"
	LotStatusInProgress LotStatus = "IN_PROGRESS"
	LotStatusCompleted  LotStatus = "COMPLETED"
	LotStatusClosed     LotStatus = "CLOSED"
)

// SerialStatus represents the current state of a traceable unit.
type SerialStatus string

const (
	SerialStatusCreated    SerialStatus = "CREATED"
	SerialStatusInProgress SerialStatus = "IN_PROGRESS"
	SerialStatusPassed     SerialStatus = "PASSED"
	SerialStatusFailed     SerialStatus = "FAILED"
)

// CompletionResult is the outcome reported for one process step on a unit.
type CompletionResult string

const (
	ResultPass   CompletionResult = "PASS"
	ResultFail   CompletionResult = "FAIL"
	ResultRework CompletionResult = "REWORK"
)

// MaxRework is the maximum number of rework attempts per serial.
const MaxRework = 3

// MaxTargetQuantity bounds the units a single lot may contain.
const MaxTargetQuantity = 100

// Lot represents a production batch of up to MaxTargetQuantity units.
type Lot struct {
	ID             string    `json:"id"`
	LotNumber      string    `json:"lot_number"`
	LineCode       string    `json:"line_code"`
	ModelCode      string    `json:"model_code"`
	YYMM           string    `json:"yymm"`
	Sequence       int       `json:"sequence"`
	TargetQuantity int       `json:"target_quantity"`
	Status         LotStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Derived from the lot's serials; populated on reads, never stored.
	ActualQuantity int `json:"actual_quantity"`
	PassedQuantity int `json:"passed_quantity"`
	FailedQuantity int `json:"failed_quantity"`
}

// Serial represents one physical unit within a lot.
type Serial struct {
	ID            string       `json:"id"`
	SerialNumber  string       `json:"serial_number"`
	LotID         string       `json:"lot_id"`
	SequenceInLot int          `json:"sequence_in_lot"`
	Status        SerialStatus `json:"status"`
	ReworkCount   int          `json:"rework_count"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ProcessRecord is one recorded completion attempt for a (serial, process).
type ProcessRecord struct {
	ID           string             `json:"id"`
	SerialID     string             `json:"serial_id"`
	ProcessID    int                `json:"process_id"`
	Result       CompletionResult   `json:"result"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Defects      []string           `json:"defects,omitempty"`
	WorkerID     string             `json:"worker_id,omitempty"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// WorkOrder is the server-side record of a process start.
type WorkOrder struct {
	ID          string    `json:"id"`
	LotID       string    `json:"lot_id"`
	SerialID    string    `json:"serial_id,omitempty"`
	ProcessID   int       `json:"process_id"`
	EquipmentID string    `json:"equipment_id,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
	StartTime   time.Time `json:"start_time"`
}

// EventKind distinguishes work event submissions.
type EventKind string

const (
	EventStart    EventKind = "START"
	EventComplete EventKind = "COMPLETE"
)

// NewLotSpec carries the business attributes for a lot created as part of
// a START event. The server allocates the lot number at apply time, so an
// offline client never has to guess it.
type NewLotSpec struct {
	LineCode       string    `json:"line_code"`
	ModelCode      string    `json:"model_code"`
	ProductionDate time.Time `json:"production_date"`
	TargetQuantity int       `json:"target_quantity"`
}

// WorkEvent is one immutable submission attempt. The idempotency key is
// generated client-side when the event is built, before any delivery
// attempt, so redelivery after a crash or timeout is harmless.
type WorkEvent struct {
	Kind           EventKind          `json:"kind"`
	IdempotencyKey string             `json:"idempotency_key"`
	NewLot         *NewLotSpec        `json:"new_lot,omitempty"`
	LotNumber      string             `json:"lot_number,omitempty"`
	SerialNumber   string             `json:"serial_number,omitempty"`
	ProcessID      int                `json:"process_id"`
	EquipmentID    string             `json:"equipment_id,omitempty"`
	WorkerID       string             `json:"worker_id,omitempty"`
	Result         CompletionResult   `json:"result,omitempty"`
	Measurements   map[string]float64 `json:"measurements,omitempty"`
	Defects        []string           `json:"defects,omitempty"`
	StartTime      time.Time          `json:"start_time,omitempty"`
	CompletedAt    time.Time          `json:"completed_at,omitempty"`
}

// AdvisorySeverity tags non-fatal findings returned beside a verdict.
type AdvisorySeverity string

const (
	AdvisoryInfo    AdvisorySeverity = "info"
	AdvisoryWarning AdvisorySeverity = "warning"
)

// Advisory is a non-fatal finding produced while applying an event.
type Advisory struct {
	Severity AdvisorySeverity `json:"severity"`
	Message  string           `json:"message"`
}

// RejectCode classifies why an event was rejected. Rejections are final
// and are never retried by the client.
type RejectCode string

const (
	// RejectValidation marks a malformed or inconsistent payload.
	RejectValidation RejectCode = "VALIDATION"
	// RejectStateConflict marks an illegal transition or sequence violation.
	RejectStateConflict RejectCode = "STATE_CONFLICT"
	// RejectResourceExhausted marks rework-cap or sequence-space exhaustion.
	RejectResourceExhausted RejectCode = "RESOURCE_EXHAUSTED"
)

// Verdict is the terminal outcome of ingesting a work event. A rejected
// verdict is final: the client must drop the event, not retry it.
type Verdict struct {
	Accepted     bool       `json:"accepted"`
	Code         RejectCode `json:"code,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	LotNumber    string     `json:"lot_number,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	WorkOrderID  string     `json:"work_order_id,omitempty"`
	Status       string     `json:"status,omitempty"`
	Advisories   []Advisory `json:"advisories,omitempty"`
}
