// Package audit records ingestion decisions for traceability.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/lotline/lotline/internal/server/store"
)

// TraceWriter writes one trace row per ingest decision: accepts, rejects
// and idempotent replays all leave a record.
type TraceWriter struct {
	store *store.Store
}

// NewTraceWriter creates a new trace writer.
func NewTraceWriter(s *store.Store) *TraceWriter {
	return &TraceWriter{store: s}
}

// Record writes a trace entry for a state-mutating action.
func (w *TraceWriter) Record(action string, inputs interface{}, outcome, entityID, details string) error {
	return w.store.WriteTrace(action, hashInputs(inputs), outcome, entityID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
