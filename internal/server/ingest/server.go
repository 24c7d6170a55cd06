package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lotline/lotline/internal/ident"
	"github.com/lotline/lotline/internal/lifecycle"
	"github.com/lotline/lotline/internal/models"
	"github.com/lotline/lotline/internal/server/store"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Server provides the HTTP API for the lotline system of record.
type Server struct {
	service *Service
	store   *store.Store
	addr    string
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, addr string) *Server {
	return &Server{
		service: service,
		store:   st,
		addr:    addr,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/process/start", s.handleProcessStart)
	mux.HandleFunc("/process/complete", s.handleProcessComplete)
	mux.HandleFunc("/lots", s.handleLots)
	mux.HandleFunc("/lots/", s.handleLotByNumber)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting lotline server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the health endpoint payload. The client's
// connectivity watcher keys its offline/online edges off this.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		health.OK = false
		health.DB = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(health)
}

// --- Event handlers ---

type startRequest struct {
	LotNumber      string      `json:"lot_number,omitempty"`
	SerialNumber   string      `json:"serial_number,omitempty"`
	NewLot         *newLotBody `json:"new_lot,omitempty"`
	ProcessID      int         `json:"process_id"`
	EquipmentID    string      `json:"equipment_id,omitempty"`
	WorkerID       string      `json:"worker_id,omitempty"`
	StartTime      time.Time   `json:"start_time,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

type newLotBody struct {
	LineCode       string `json:"line_code"`
	ModelCode      string `json:"model_code"`
	ProductionDate string `json:"production_date"` // YYYY-MM-DD
	TargetQuantity int    `json:"target_quantity"`
}

func (b *newLotBody) spec() (*models.NewLotSpec, error) {
	date, err := time.Parse("2006-01-02", b.ProductionDate)
	if err != nil {
		return nil, errors.New("production_date must be YYYY-MM-DD")
	}
	return &models.NewLotSpec{
		LineCode:       b.LineCode,
		ModelCode:      b.ModelCode,
		ProductionDate: date,
		TargetQuantity: b.TargetQuantity,
	}, nil
}

func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ev := &models.WorkEvent{
		Kind:           models.EventStart,
		IdempotencyKey: req.IdempotencyKey,
		LotNumber:      req.LotNumber,
		SerialNumber:   req.SerialNumber,
		ProcessID:      req.ProcessID,
		EquipmentID:    req.EquipmentID,
		WorkerID:       req.WorkerID,
		StartTime:      req.StartTime,
	}
	if req.NewLot != nil {
		spec, err := req.NewLot.spec()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ev.NewLot = spec
	}
	s.ingestAndRespond(w, ev)
}

type completeRequest struct {
	SerialNumber   string             `json:"serial_number"`
	ProcessID      int                `json:"process_id"`
	Result         string             `json:"result"`
	Measurements   map[string]float64 `json:"measurements,omitempty"`
	Defects        []string           `json:"defects,omitempty"`
	WorkerID       string             `json:"worker_id,omitempty"`
	CompletedAt    time.Time          `json:"completed_at,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

func (s *Server) handleProcessComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ev := &models.WorkEvent{
		Kind:           models.EventComplete,
		IdempotencyKey: req.IdempotencyKey,
		SerialNumber:   req.SerialNumber,
		ProcessID:      req.ProcessID,
		Result:         models.CompletionResult(req.Result),
		Measurements:   req.Measurements,
		Defects:        req.Defects,
		WorkerID:       req.WorkerID,
		CompletedAt:    req.CompletedAt,
	}
	s.ingestAndRespond(w, ev)
}

// ingestAndRespond runs one event through the service and maps the verdict
// to an HTTP status. Direct online callers may omit the idempotency key;
// the queueing client always sets its own.
func (s *Server) ingestAndRespond(w http.ResponseWriter, ev *models.WorkEvent) {
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = uuid.New().String()
	}

	verdict, err := s.service.Ingest(ev)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForVerdict(verdict))
	json.NewEncoder(w).Encode(verdict)
}

func statusForVerdict(v *models.Verdict) int {
	if v.Accepted {
		return http.StatusOK
	}
	switch v.Code {
	case models.RejectValidation:
		return http.StatusBadRequest
	case models.RejectStateConflict, models.RejectResourceExhausted:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// --- Lot handlers ---

type createLotRequest struct {
	newLotBody
}

func (s *Server) handleLots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createLot(w, r)
	case http.MethodGet:
		s.listLots(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	spec, err := req.spec()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lot, err := s.service.CreateLot(spec)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ident.ErrSequenceExhausted) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(lot)
}

func (s *Server) listLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.service.ListLots()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []models.Lot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lots)
}

// handleLotByNumber handles /lots/{number} and /lots/{number}/{action}.
func (s *Server) handleLotByNumber(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/lots/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "lot number required", http.StatusBadRequest)
		return
	}

	lotNumber := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getLot(w, r, lotNumber)
	case action == "serials" && r.Method == http.MethodGet:
		s.getLotSerials(w, r, lotNumber)
	case action == "close" && r.Method == http.MethodPost:
		s.closeLot(w, r, lotNumber)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getLot(w http.ResponseWriter, r *http.Request, lotNumber string) {
	lot, err := s.service.GetLot(lotNumber)
	if err != nil {
		if errors.Is(err, store.ErrLotNotFound) {
			http.Error(w, "lot not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lot)
}

func (s *Server) getLotSerials(w http.ResponseWriter, r *http.Request, lotNumber string) {
	serials, err := s.service.SerialsForLot(lotNumber)
	if err != nil {
		if errors.Is(err, store.ErrLotNotFound) {
			http.Error(w, "lot not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if serials == nil {
		serials = []models.Serial{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(serials)
}

func (s *Server) closeLot(w http.ResponseWriter, r *http.Request, lotNumber string) {
	lot, err := s.service.CloseLot(lotNumber)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLotNotFound):
			http.Error(w, "lot not found", http.StatusNotFound)
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lot)
}
