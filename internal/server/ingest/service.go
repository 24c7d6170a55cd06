// Package ingest provides the HTTP API and service layer of the lotline
// system of record.
package ingest

import (
	"errors"
	"fmt"
	"log"

	"github.com/lotline/lotline/internal/audit"
	"github.com/lotline/lotline/internal/models"
	"github.com/lotline/lotline/internal/server/store"
)

// ErrValidation marks a malformed event payload. Surfaced immediately,
// never queued, never retried.
var ErrValidation = errors.New("invalid event payload")

// Service applies work events against the system of record.
type Service struct {
	store *store.Store
	trace *audit.TraceWriter
}

// NewService creates the ingestion service.
func NewService(s *store.Store, trace *audit.TraceWriter) *Service {
	return &Service{store: s, trace: trace}
}

// ValidateEvent checks payload shape before the event reaches the store.
// Shape errors are ValidationError class: the caller gets an immediate
// failure and no idempotency key is consumed.
func ValidateEvent(ev *models.WorkEvent) error {
	if ev.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrValidation)
	}
	if ev.ProcessID < 1 {
		return fmt.Errorf("%w: process id must be positive", ErrValidation)
	}

	switch ev.Kind {
	case models.EventStart:
		if ev.NewLot == nil && ev.LotNumber == "" {
			return fmt.Errorf("%w: start needs a lot number or a new-lot spec", ErrValidation)
		}
		if ev.NewLot != nil && ev.LotNumber != "" {
			return fmt.Errorf("%w: start cannot name a lot and a new-lot spec", ErrValidation)
		}
		if ev.NewLot != nil && ev.NewLot.ProductionDate.IsZero() {
			return fmt.Errorf("%w: new-lot spec needs a production date", ErrValidation)
		}
	case models.EventComplete:
		if ev.SerialNumber == "" {
			return fmt.Errorf("%w: completion needs a serial number", ErrValidation)
		}
		switch ev.Result {
		case models.ResultPass, models.ResultRework:
			if len(ev.Defects) > 0 {
				return fmt.Errorf("%w: defects are only valid with result FAIL", ErrValidation)
			}
		case models.ResultFail:
			if len(ev.Defects) == 0 {
				return fmt.Errorf("%w: result FAIL requires defects", ErrValidation)
			}
		default:
			return fmt.Errorf("%w: unknown result %q", ErrValidation, ev.Result)
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrValidation, ev.Kind)
	}
	return nil
}

// Ingest validates and applies one work event, returning its terminal
// verdict. At-least-once delivery becomes effectively once-observed: a
// replayed idempotency key returns the stored verdict without re-applying.
func (s *Service) Ingest(ev *models.WorkEvent) (*models.Verdict, error) {
	if err := ValidateEvent(ev); err != nil {
		return nil, err
	}

	verdict, replayed, err := s.store.ApplyEvent(ev)
	if err != nil {
		return nil, err
	}

	action := "event." + string(ev.Kind)
	entityID := verdict.SerialNumber
	if entityID == "" {
		entityID = verdict.LotNumber
	}
	outcome := "accepted"
	if !verdict.Accepted {
		outcome = "rejected"
		log.Printf("Rejected %s event: entity=%s key=%s code=%s reason=%s",
			ev.Kind, entityID, ev.IdempotencyKey, verdict.Code, verdict.Reason)
	}
	if replayed {
		outcome = "replayed"
	}
	if err := s.trace.Record(action, ev, outcome, entityID, verdict.Reason); err != nil {
		log.Printf("Error writing ingest trace: %v", err)
	}
	return verdict, nil
}

// CreateLot creates a lot via the online operator path (no unit start).
func (s *Service) CreateLot(spec *models.NewLotSpec) (*models.Lot, error) {
	lot, err := s.store.CreateLot(spec)
	if err != nil {
		return nil, err
	}
	s.trace.Record("lot.create", spec, "accepted", lot.LotNumber, "")
	return lot, nil
}

// CloseLot closes a lot. Terminal.
func (s *Service) CloseLot(lotNumber string) (*models.Lot, error) {
	lot, err := s.store.CloseLot(lotNumber)
	if err != nil {
		return nil, err
	}
	s.trace.Record("lot.close", lotNumber, "accepted", lotNumber, "")
	return lot, nil
}

// GetLot returns one lot with derived counters.
func (s *Service) GetLot(lotNumber string) (*models.Lot, error) {
	return s.store.GetLotByNumber(lotNumber)
}

// ListLots returns all lots.
func (s *Service) ListLots() ([]models.Lot, error) {
	return s.store.ListLots()
}

// SerialsForLot returns the serials of one lot in intra-lot order.
func (s *Service) SerialsForLot(lotNumber string) ([]models.Serial, error) {
	lot, err := s.store.GetLotByNumber(lotNumber)
	if err != nil {
		return nil, err
	}
	return s.store.SerialsForLot(lot.ID)
}

// RecordsForSerial returns all completion attempts for one serial.
func (s *Service) RecordsForSerial(serialNumber string) ([]models.ProcessRecord, error) {
	serial, err := s.store.GetSerialByNumber(serialNumber)
	if err != nil {
		return nil, err
	}
	return s.store.RecordsForSerial(serial.ID)
}
