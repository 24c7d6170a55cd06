// Package store provides the SQLite-backed system of record for lotline.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lotline/lotline/internal/ident"
	"github.com/lotline/lotline/internal/lifecycle"
	"github.com/lotline/lotline/internal/models"
)

// Sentinel errors for store lookups.
var (
	ErrLotNotFound    = errors.New("lot not found")
	ErrSerialNotFound = errors.New("serial not found")
)

// Store provides access to the lotline SQLite database.
type Store struct {
	db      *sql.DB
	country string
}

// New creates a new Store and runs migrations. country is the 2-character
// site prefix baked into every lot number.
func New(dbPath, country string) (*Store, error) {
	if len(country) != 2 {
		return nil, fmt.Errorf("country code must be 2 characters, got %q", country)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also
	// serializes the read-max-then-insert step of sequence allocation, so
	// two concurrent same-group lot creations can never compute the same
	// next sequence. The UNIQUE group index below is defense-in-depth.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, country: country}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		lot_number TEXT NOT NULL UNIQUE,
		line_code TEXT NOT NULL,
		model_code TEXT NOT NULL,
		yymm TEXT NOT NULL,
		seq INTEGER NOT NULL,
		target_quantity INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'CREATED',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (line_code, model_code, yymm, seq)
	);

	CREATE TABLE IF NOT EXISTS serials (
		id TEXT PRIMARY KEY,
		serial_number TEXT NOT NULL UNIQUE,
		lot_id TEXT NOT NULL,
		seq_in_lot INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'CREATED',
		rework_count INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (lot_id, seq_in_lot),
		FOREIGN KEY (lot_id) REFERENCES lots(id)
	);

	CREATE TABLE IF NOT EXISTS process_records (
		id TEXT PRIMARY KEY,
		serial_id TEXT NOT NULL,
		process_id INTEGER NOT NULL,
		result TEXT NOT NULL,
		measurements TEXT,
		defects TEXT,
		worker_id TEXT,
		recorded_at DATETIME NOT NULL,
		FOREIGN KEY (serial_id) REFERENCES serials(id)
	);

	CREATE TABLE IF NOT EXISTS work_orders (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL,
		serial_id TEXT,
		process_id INTEGER NOT NULL,
		equipment_id TEXT,
		worker_id TEXT,
		start_time DATETIME NOT NULL,
		FOREIGN KEY (lot_id) REFERENCES lots(id)
	);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		entity_id TEXT,
		verdict TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ingest_trace (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		entity_id TEXT,
		details TEXT,
		recorded_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS ux_process_records_pass
		ON process_records(serial_id, process_id) WHERE result = 'PASS';
	CREATE INDEX IF NOT EXISTS idx_serials_lot_id ON serials(lot_id);
	CREATE INDEX IF NOT EXISTS idx_process_records_serial ON process_records(serial_id);
	CREATE INDEX IF NOT EXISTS idx_work_orders_serial ON work_orders(serial_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Event application ---

// ApplyEvent validates and applies one work event inside a single
// transaction. The idempotency key is checked first: a previously applied
// key returns the stored verdict with replayed=true and touches nothing.
// Both accepted and rejected verdicts are recorded under the key, so a
// redelivered rejection replays without re-validation.
//
// The returned error is reserved for infrastructure failures; business
// rejections come back as a verdict with Accepted=false.
func (s *Store) ApplyEvent(ev *models.WorkEvent) (verdict *models.Verdict, replayed bool, err error) {
	if ev.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("work event has no idempotency key")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var stored string
	err = tx.QueryRow(`SELECT verdict FROM idempotency_keys WHERE key = ?`, ev.IdempotencyKey).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("check idempotency key: %w", err)
	}
	if err == nil {
		var prior models.Verdict
		if err := json.Unmarshal([]byte(stored), &prior); err != nil {
			return nil, false, fmt.Errorf("decode stored verdict: %w", err)
		}
		return &prior, true, nil
	}

	switch ev.Kind {
	case models.EventStart:
		verdict, err = s.applyStart(tx, ev, now)
	case models.EventComplete:
		verdict, err = s.applyCompletion(tx, ev, now)
	default:
		verdict = reject(models.RejectValidation, fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
	if err != nil {
		return nil, false, err
	}

	encoded, err := json.Marshal(verdict)
	if err != nil {
		return nil, false, fmt.Errorf("encode verdict: %w", err)
	}
	entityID := verdict.SerialNumber
	if entityID == "" {
		entityID = verdict.LotNumber
	}
	_, err = tx.Exec(
		`INSERT INTO idempotency_keys (key, entity_id, verdict, created_at) VALUES (?, ?, ?, ?)`,
		ev.IdempotencyKey, entityID, string(encoded), now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("record idempotency key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}
	return verdict, false, nil
}

func reject(code models.RejectCode, reason string) *models.Verdict {
	return &models.Verdict{Accepted: false, Code: code, Reason: reason}
}

// applyStart handles START events: either a new lot (the server allocates
// the lot number and generates the first serial) or an additional work
// order on an existing serial.
func (s *Store) applyStart(tx *sql.Tx, ev *models.WorkEvent, now time.Time) (*models.Verdict, error) {
	if ev.NewLot != nil {
		return s.startNewLot(tx, ev, now)
	}

	lot, err := s.getLotByNumberTx(tx, ev.LotNumber)
	if err == ErrLotNotFound {
		return reject(models.RejectValidation, fmt.Sprintf("unknown lot %q", ev.LotNumber)), nil
	}
	if err != nil {
		return nil, err
	}
	if lot.Status == models.LotStatusClosed {
		return reject(models.RejectStateConflict, fmt.Sprintf("lot %s is CLOSED", lot.LotNumber)), nil
	}

	if ev.SerialNumber != "" {
		return s.startExistingSerial(tx, lot, ev, now)
	}
	return s.startNextSerial(tx, lot, ev, now)
}

func (s *Store) startNewLot(tx *sql.Tx, ev *models.WorkEvent, now time.Time) (*models.Verdict, error) {
	spec := ev.NewLot
	if spec.TargetQuantity < 1 || spec.TargetQuantity > models.MaxTargetQuantity {
		return reject(models.RejectValidation,
			fmt.Sprintf("target quantity %d out of range 1..%d", spec.TargetQuantity, models.MaxTargetQuantity)), nil
	}

	lot, verdict, err := s.createLotTx(tx, spec, now)
	if verdict != nil || err != nil {
		return verdict, err
	}

	// First unit start: generate serial 001 and move the lot along.
	v, err := s.startNextSerial(tx, lot, ev, now)
	if err != nil || !v.Accepted {
		return v, err
	}
	v.Advisories = append([]models.Advisory{{
		Severity: models.AdvisoryInfo,
		Message:  fmt.Sprintf("lot %s created for %s/%s, target %d", lot.LotNumber, spec.LineCode, spec.ModelCode, spec.TargetQuantity),
	}}, v.Advisories...)
	return v, nil
}

// createLotTx allocates the next sequence for the (line, model, month)
// group and inserts the lot. The MAX read and the INSERT share the
// transaction, so concurrent creations cannot assign duplicates.
func (s *Store) createLotTx(tx *sql.Tx, spec *models.NewLotSpec, now time.Time) (*models.Lot, *models.Verdict, error) {
	yymm := ident.MonthKey(spec.ProductionDate)

	var maxSeq int
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM lots WHERE line_code = ? AND model_code = ? AND yymm = ?`,
		spec.LineCode, spec.ModelCode, yymm,
	).Scan(&maxSeq)
	if err != nil {
		return nil, nil, fmt.Errorf("read max sequence: %w", err)
	}

	seq := maxSeq + 1
	lotNumber, err := ident.LotNumber(s.country, spec.LineCode, spec.ModelCode, spec.ProductionDate, seq)
	if errors.Is(err, ident.ErrSequenceExhausted) {
		return nil, reject(models.RejectResourceExhausted,
			fmt.Sprintf("no lot sequence left for %s/%s in %s", spec.LineCode, spec.ModelCode, yymm)), nil
	}
	if err != nil {
		return nil, reject(models.RejectValidation, err.Error()), nil
	}

	lot := &models.Lot{
		ID:             uuid.New().String(),
		LotNumber:      lotNumber,
		LineCode:       spec.LineCode,
		ModelCode:      spec.ModelCode,
		YYMM:           yymm,
		Sequence:       seq,
		TargetQuantity: spec.TargetQuantity,
		Status:         models.LotStatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err = tx.Exec(
		`INSERT INTO lots (id, lot_number, line_code, model_code, yymm, seq, target_quantity, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.LotNumber, lot.LineCode, lot.ModelCode, lot.YYMM, lot.Sequence,
		lot.TargetQuantity, lot.Status, lot.CreatedAt, lot.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			// Lost a race despite serialization; the caller may retry.
			return nil, nil, fmt.Errorf("lot number collision for %s: %w", lotNumber, err)
		}
		return nil, nil, fmt.Errorf("insert lot: %w", err)
	}
	return lot, nil, nil
}

// startNextSerial generates the lot's next serial as IN_PROGRESS and
// records a work order. Generating the final serial completes the lot.
func (s *Store) startNextSerial(tx *sql.Tx, lot *models.Lot, ev *models.WorkEvent, now time.Time) (*models.Verdict, error) {
	var actual int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM serials WHERE lot_id = ?`, lot.ID).Scan(&actual); err != nil {
		return nil, fmt.Errorf("count serials: %w", err)
	}
	if actual >= lot.TargetQuantity {
		return reject(models.RejectStateConflict,
			fmt.Sprintf("lot %s already generated all %d units", lot.LotNumber, lot.TargetQuantity)), nil
	}

	n := actual + 1
	serialNumber, err := ident.SerialNumber(lot.LotNumber, n)
	if err != nil {
		return reject(models.RejectValidation, err.Error()), nil
	}

	// New units pass through CREATED -> IN_PROGRESS on generation.
	if err := lifecycle.TransitionSerial(models.SerialStatusCreated, models.SerialStatusInProgress); err != nil {
		return reject(models.RejectStateConflict, err.Error()), nil
	}

	serialID := uuid.New().String()
	_, err = tx.Exec(
		`INSERT INTO serials (id, serial_number, lot_id, seq_in_lot, status, rework_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		serialID, serialNumber, lot.ID, n, models.SerialStatusInProgress, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert serial: %w", err)
	}

	workOrderID, err := s.insertWorkOrder(tx, lot.ID, serialID, ev, now)
	if err != nil {
		return nil, err
	}

	var advisories []models.Advisory

	if lot.Status == models.LotStatusCreated {
		if err := s.transitionLot(tx, lot, models.LotStatusInProgress, now); err != nil {
			return nil, err
		}
	}
	if n == lot.TargetQuantity && lot.Status == models.LotStatusInProgress {
		if err := s.transitionLot(tx, lot, models.LotStatusCompleted, now); err != nil {
			return nil, err
		}
		advisories = append(advisories, models.Advisory{
			Severity: models.AdvisoryInfo,
			Message:  fmt.Sprintf("lot %s reached target quantity %d", lot.LotNumber, lot.TargetQuantity),
		})
	}

	return &models.Verdict{
		Accepted:     true,
		LotNumber:    lot.LotNumber,
		SerialNumber: serialNumber,
		WorkOrderID:  workOrderID,
		Status:       string(lot.Status),
		Advisories:   advisories,
	}, nil
}

// startExistingSerial records an additional work order for a unit that is
// already in progress, e.g. after a rework or an equipment change. The
// fixed process order is enforced here: a unit works one process at a time.
func (s *Store) startExistingSerial(tx *sql.Tx, lot *models.Lot, ev *models.WorkEvent, now time.Time) (*models.Verdict, error) {
	serial, err := s.getSerialByNumberTx(tx, ev.SerialNumber)
	if err == ErrSerialNotFound {
		return reject(models.RejectValidation, fmt.Sprintf("unknown serial %q", ev.SerialNumber)), nil
	}
	if err != nil {
		return nil, err
	}
	if serial.LotID != lot.ID {
		return reject(models.RejectValidation,
			fmt.Sprintf("serial %s does not belong to lot %s", serial.SerialNumber, lot.LotNumber)), nil
	}

	switch serial.Status {
	case models.SerialStatusPassed, models.SerialStatusFailed:
		return reject(models.RejectStateConflict,
			(&lifecycle.TransitionError{Entity: "serial", From: string(serial.Status), To: string(models.SerialStatusInProgress)}).Error()), nil
	}

	current, err := s.currentProcessTx(tx, serial.ID)
	if err != nil {
		return nil, err
	}
	if current != 0 && current != ev.ProcessID {
		return reject(models.RejectStateConflict,
			fmt.Sprintf("process sequence violation: serial %s is at process %d, got %d", serial.SerialNumber, current, ev.ProcessID)), nil
	}

	workOrderID, err := s.insertWorkOrder(tx, lot.ID, serial.ID, ev, now)
	if err != nil {
		return nil, err
	}
	return &models.Verdict{
		Accepted:     true,
		LotNumber:    lot.LotNumber,
		SerialNumber: serial.SerialNumber,
		WorkOrderID:  workOrderID,
		Status:       string(serial.Status),
	}, nil
}

// applyCompletion records a PASS/FAIL/REWORK result for a serial.
func (s *Store) applyCompletion(tx *sql.Tx, ev *models.WorkEvent, now time.Time) (*models.Verdict, error) {
	serial, err := s.getSerialByNumberTx(tx, ev.SerialNumber)
	if err == ErrSerialNotFound {
		return reject(models.RejectValidation, fmt.Sprintf("unknown serial %q", ev.SerialNumber)), nil
	}
	if err != nil {
		return nil, err
	}

	lot, err := s.getLotByIDTx(tx, serial.LotID)
	if err != nil {
		return nil, err
	}
	if lot.Status == models.LotStatusClosed {
		return reject(models.RejectStateConflict, fmt.Sprintf("lot %s is CLOSED", lot.LotNumber)), nil
	}

	current, err := s.currentProcessTx(tx, serial.ID)
	if err != nil {
		return nil, err
	}
	if current != 0 && current != ev.ProcessID {
		return reject(models.RejectStateConflict,
			fmt.Sprintf("process sequence violation: serial %s is at process %d, got %d", serial.SerialNumber, current, ev.ProcessID)), nil
	}

	var priorPass bool
	err = tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM process_records WHERE serial_id = ? AND process_id = ? AND result = 'PASS')`,
		serial.ID, ev.ProcessID,
	).Scan(&priorPass)
	if err != nil {
		return nil, fmt.Errorf("check prior pass: %w", err)
	}

	dec, err := lifecycle.CheckCompletion(serial.Status, serial.ReworkCount, ev.Result, priorPass)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrReworkExhausted):
			return reject(models.RejectResourceExhausted, err.Error()), nil
		case errors.Is(err, lifecycle.ErrAlreadyPassed):
			return reject(models.RejectStateConflict,
				fmt.Sprintf("serial %s already passed process %d", serial.SerialNumber, ev.ProcessID)), nil
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			return reject(models.RejectStateConflict, err.Error()), nil
		default:
			return reject(models.RejectValidation, err.Error()), nil
		}
	}

	reworkCount := serial.ReworkCount
	failureReason := serial.FailureReason
	if dec.ConsumeRework {
		reworkCount++
		failureReason = ""
	}
	if ev.Result == models.ResultFail {
		failureReason = strings.Join(ev.Defects, "; ")
	}

	var reasonArg interface{}
	if failureReason != "" {
		reasonArg = failureReason
	}
	_, err = tx.Exec(
		`UPDATE serials SET status = ?, rework_count = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
		dec.NewStatus, reworkCount, reasonArg, now, serial.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update serial: %w", err)
	}

	// REWORK adjusts the unit; only PASS/FAIL are completion records.
	if ev.Result != models.ResultRework {
		if err := s.insertProcessRecord(tx, serial.ID, ev, now); err != nil {
			return nil, err
		}
	}

	var advisories []models.Advisory
	if reworkCount == models.MaxRework && dec.ConsumeRework {
		advisories = append(advisories, models.Advisory{
			Severity: models.AdvisoryWarning,
			Message:  fmt.Sprintf("serial %s has exhausted its rework budget", serial.SerialNumber),
		})
	}
	if lot.Status == models.LotStatusCompleted && ev.Result == models.ResultRework {
		advisories = append(advisories, models.Advisory{
			Severity: models.AdvisoryWarning,
			Message:  fmt.Sprintf("rework on serial %s of completed lot %s", serial.SerialNumber, lot.LotNumber),
		})
	}

	return &models.Verdict{
		Accepted:     true,
		LotNumber:    lot.LotNumber,
		SerialNumber: serial.SerialNumber,
		Status:       string(dec.NewStatus),
		Advisories:   advisories,
	}, nil
}

func (s *Store) insertWorkOrder(tx *sql.Tx, lotID, serialID string, ev *models.WorkEvent, now time.Time) (string, error) {
	id := uuid.New().String()
	startTime := ev.StartTime
	if startTime.IsZero() {
		startTime = now
	}
	_, err := tx.Exec(
		`INSERT INTO work_orders (id, lot_id, serial_id, process_id, equipment_id, worker_id, start_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, lotID, serialID, ev.ProcessID, ev.EquipmentID, ev.WorkerID, startTime,
	)
	if err != nil {
		return "", fmt.Errorf("insert work order: %w", err)
	}
	return id, nil
}

func (s *Store) insertProcessRecord(tx *sql.Tx, serialID string, ev *models.WorkEvent, now time.Time) error {
	measurements, err := json.Marshal(ev.Measurements)
	if err != nil {
		return fmt.Errorf("encode measurements: %w", err)
	}
	defects, err := json.Marshal(ev.Defects)
	if err != nil {
		return fmt.Errorf("encode defects: %w", err)
	}
	recordedAt := ev.CompletedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}
	_, err = tx.Exec(
		`INSERT INTO process_records (id, serial_id, process_id, result, measurements, defects, worker_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), serialID, ev.ProcessID, ev.Result, string(measurements), string(defects), ev.WorkerID, recordedAt,
	)
	if err != nil {
		// The partial unique index backs the one-PASS rule even if a
		// future caller skips CheckCompletion.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("duplicate PASS for serial %s process %d: %w", serialID, ev.ProcessID, err)
		}
		return fmt.Errorf("insert process record: %w", err)
	}
	return nil
}

func (s *Store) transitionLot(tx *sql.Tx, lot *models.Lot, to models.LotStatus, now time.Time) error {
	if err := lifecycle.TransitionLot(lot.Status, to); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE lots SET status = ?, updated_at = ? WHERE id = ?`, to, now, lot.ID); err != nil {
		return fmt.Errorf("update lot status: %w", err)
	}
	lot.Status = to
	lot.UpdatedAt = now
	return nil
}

// currentProcessTx returns the process of the serial's latest work order,
// or 0 when the serial has none.
func (s *Store) currentProcessTx(tx *sql.Tx, serialID string) (int, error) {
	var process int
	err := tx.QueryRow(
		`SELECT process_id FROM work_orders WHERE serial_id = ? ORDER BY start_time DESC, rowid DESC LIMIT 1`,
		serialID,
	).Scan(&process)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query current process: %w", err)
	}
	return process, nil
}

// --- Direct operations (online surface) ---

// CreateLot creates a lot without starting production: the online operator
// path. Serials are generated later, one per unit start.
func (s *Store) CreateLot(spec *models.NewLotSpec) (*models.Lot, error) {
	if spec.TargetQuantity < 1 || spec.TargetQuantity > models.MaxTargetQuantity {
		return nil, fmt.Errorf("target quantity %d out of range 1..%d", spec.TargetQuantity, models.MaxTargetQuantity)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	lot, verdict, err := s.createLotTx(tx, spec, now)
	if err != nil {
		return nil, err
	}
	if verdict != nil {
		if verdict.Code == models.RejectResourceExhausted {
			return nil, fmt.Errorf("%w: %s", ident.ErrSequenceExhausted, verdict.Reason)
		}
		return nil, errors.New(verdict.Reason)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lot, nil
}

// CloseLot explicitly closes a lot. Closing is terminal and reachable from
// any non-CLOSED state.
func (s *Store) CloseLot(lotNumber string) (*models.Lot, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	lot, err := s.getLotByNumberTx(tx, lotNumber)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.transitionLot(tx, lot, models.LotStatusClosed, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lot, nil
}

// --- Reads ---

const lotColumns = `id, lot_number, line_code, model_code, yymm, seq, target_quantity, status, created_at, updated_at`

func scanLot(row *sql.Row) (*models.Lot, error) {
	lot := &models.Lot{}
	err := row.Scan(&lot.ID, &lot.LotNumber, &lot.LineCode, &lot.ModelCode, &lot.YYMM,
		&lot.Sequence, &lot.TargetQuantity, &lot.Status, &lot.CreatedAt, &lot.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrLotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan lot: %w", err)
	}
	return lot, nil
}

func (s *Store) getLotByNumberTx(tx *sql.Tx, number string) (*models.Lot, error) {
	return scanLot(tx.QueryRow(`SELECT `+lotColumns+` FROM lots WHERE lot_number = ?`, number))
}

func (s *Store) getLotByIDTx(tx *sql.Tx, id string) (*models.Lot, error) {
	return scanLot(tx.QueryRow(`SELECT `+lotColumns+` FROM lots WHERE id = ?`, id))
}

// GetLotByNumber returns a lot with its derived counters.
func (s *Store) GetLotByNumber(number string) (*models.Lot, error) {
	lot, err := scanLot(s.db.QueryRow(`SELECT ` + lotColumns + ` FROM lots WHERE lot_number = ?`, number))
	if err != nil {
		return nil, err
	}
	if err := s.fillCounters(lot); err != nil {
		return nil, err
	}
	return lot, nil
}

// fillCounters derives actual/passed/failed from the lot's serials. The
// invariant passed+failed <= actual <= target holds by construction.
func (s *Store) fillCounters(lot *models.Lot) error {
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'PASSED' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0)
		 FROM serials WHERE lot_id = ?`,
		lot.ID,
	).Scan(&lot.ActualQuantity, &lot.PassedQuantity, &lot.FailedQuantity)
	if err != nil {
		return fmt.Errorf("derive lot counters: %w", err)
	}
	return nil
}

// ListLots returns all lots, newest first, with counters.
func (s *Store) ListLots() ([]models.Lot, error) {
	rows, err := s.db.Query(`SELECT ` + lotColumns + ` FROM lots ORDER BY created_at DESC, lot_number DESC`)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var lots []models.Lot
	for rows.Next() {
		var lot models.Lot
		if err := rows.Scan(&lot.ID, &lot.LotNumber, &lot.LineCode, &lot.ModelCode, &lot.YYMM,
			&lot.Sequence, &lot.TargetQuantity, &lot.Status, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range lots {
		if err := s.fillCounters(&lots[i]); err != nil {
			return nil, err
		}
	}
	return lots, nil
}

const serialColumns = `id, serial_number, lot_id, seq_in_lot, status, rework_count, failure_reason, created_at, updated_at`

func scanSerial(scan func(dest ...interface{}) error) (*models.Serial, error) {
	serial := &models.Serial{}
	var reason sql.NullString
	err := scan(&serial.ID, &serial.SerialNumber, &serial.LotID, &serial.SequenceInLot,
		&serial.Status, &serial.ReworkCount, &reason, &serial.CreatedAt, &serial.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSerialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan serial: %w", err)
	}
	if reason.Valid {
		serial.FailureReason = reason.String
	}
	return serial, nil
}

func (s *Store) getSerialByNumberTx(tx *sql.Tx, number string) (*models.Serial, error) {
	return scanSerial(tx.QueryRow(`SELECT `+serialColumns+` FROM serials WHERE serial_number = ?`, number).Scan)
}

// GetSerialByNumber returns one serial.
func (s *Store) GetSerialByNumber(number string) (*models.Serial, error) {
	return scanSerial(s.db.QueryRow(`SELECT `+serialColumns+` FROM serials WHERE serial_number = ?`, number).Scan)
}

// SerialsForLot returns a lot's serials in intra-lot order.
func (s *Store) SerialsForLot(lotID string) ([]models.Serial, error) {
	rows, err := s.db.Query(`SELECT `+serialColumns+` FROM serials WHERE lot_id = ? ORDER BY seq_in_lot`, lotID)
	if err != nil {
		return nil, fmt.Errorf("query serials: %w", err)
	}
	defer rows.Close()

	var serials []models.Serial
	for rows.Next() {
		serial, err := scanSerial(rows.Scan)
		if err != nil {
			return nil, err
		}
		serials = append(serials, *serial)
	}
	return serials, rows.Err()
}

// RecordsForSerial returns all completion attempts for a serial in
// recording order.
func (s *Store) RecordsForSerial(serialID string) ([]models.ProcessRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, serial_id, process_id, result, measurements, defects, worker_id, recorded_at
		 FROM process_records WHERE serial_id = ? ORDER BY recorded_at, rowid`,
		serialID,
	)
	if err != nil {
		return nil, fmt.Errorf("query process records: %w", err)
	}
	defer rows.Close()

	var records []models.ProcessRecord
	for rows.Next() {
		var rec models.ProcessRecord
		var measurements, defects sql.NullString
		var worker sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SerialID, &rec.ProcessID, &rec.Result,
			&measurements, &defects, &worker, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan process record: %w", err)
		}
		if measurements.Valid && measurements.String != "" && measurements.String != "null" {
			json.Unmarshal([]byte(measurements.String), &rec.Measurements)
		}
		if defects.Valid && defects.String != "" && defects.String != "null" {
			json.Unmarshal([]byte(defects.String), &rec.Defects)
		}
		if worker.Valid {
			rec.WorkerID = worker.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountRows reports the row count of one table; used by replay tests to
// prove idempotent application leaves the database untouched.
func (s *Store) CountRows(table string) (int, error) {
	switch table {
	case "lots", "serials", "process_records", "work_orders", "idempotency_keys", "ingest_trace":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// WriteTrace records one ingest decision for audit.
func (s *Store) WriteTrace(action, inputsHash, outcome, entityID, details string) error {
	_, err := s.db.Exec(
		`INSERT INTO ingest_trace (id, action, inputs_hash, outcome, entity_id, details, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), action, inputsHash, outcome, entityID, details, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}
