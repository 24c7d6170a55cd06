package main

import (
	"encoding/json"
	"fmt"

	"github.com/lotline/lotline/internal/client/delivery"
	"github.com/lotline/lotline/internal/client/outbox"
	"github.com/lotline/lotline/internal/config"
)

// apiGet performs a GET request to the API with timeout.
func apiGet(cfg *config.Config, path string) ([]byte, error) {
	t := delivery.NewTransport(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout())
	resp, err := t.Get(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// apiPost performs a POST request to the API with timeout. Failures are
// surfaced directly; the event commands use the queueing client instead.
func apiPost(cfg *config.Config, path string, data interface{}) ([]byte, error) {
	t := delivery.NewTransport(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout())
	return t.Post(path, data)
}

// newEventClient builds the queue-backed delivery client the process
// commands record through.
func newEventClient(cfg *config.Config) (*delivery.Client, *outbox.Outbox, error) {
	q, err := outbox.Open(cfg.Client.QueueDir)
	if err != nil {
		return nil, nil, err
	}
	t := delivery.NewTransport(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout())
	return delivery.NewClient(t, q), q, nil
}

// printVerdict renders an accepted server verdict for the operator.
func printVerdict(body []byte) error {
	var v map[string]interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	if lot, ok := v["lot_number"].(string); ok && lot != "" {
		fmt.Printf("Lot:        %s\n", lot)
	}
	if serial, ok := v["serial_number"].(string); ok && serial != "" {
		fmt.Printf("Serial:     %s\n", serial)
	}
	if wo, ok := v["work_order_id"].(string); ok && wo != "" {
		fmt.Printf("Work Order: %s\n", wo)
	}
	if status, ok := v["status"].(string); ok && status != "" {
		fmt.Printf("Status:     %s\n", status)
	}
	if advisories, ok := v["advisories"].([]interface{}); ok {
		for _, a := range advisories {
			if m, ok := a.(map[string]interface{}); ok {
				fmt.Printf("Note:       %s\n", m["message"])
			}
		}
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
