package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lotline/lotline/internal/client/outbox"
)

func newTestOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	q, err := outbox.Open(filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return q
}

func TestSendDeliversOnSuccess(t *testing.T) {
	var got map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer ts.Close()

	q := newTestOutbox(t)
	c := NewClient(NewTransport(ts.URL, 0), q)

	res, err := c.Send("process.start", "/process/start", map[string]string{"lot_number": "KRA1PSA251101"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Queued {
		t.Error("successful delivery should not be queued")
	}
	if got["lot_number"] != "KRA1PSA251101" {
		t.Errorf("server saw wrong payload: %v", got)
	}

	n, _ := q.Len()
	if n != 0 {
		t.Errorf("queue should be empty, has %d items", n)
	}
}

func TestSendQueuesOnConnectionFailure(t *testing.T) {
	// A server that is already gone.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	q := newTestOutbox(t)
	c := NewClient(NewTransport(url, 0), q)

	res, err := c.Send("process.start", "/process/start", map[string]string{"serial_number": "S-001"})
	if err != nil {
		t.Fatalf("retryable failure must not surface as error, got: %v", err)
	}
	if !res.Queued {
		t.Fatal("expected the payload to be queued")
	}

	items, err := q.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued item, got %d", len(items))
	}
	if items[0].Endpoint != "/process/start" {
		t.Errorf("queued item has wrong endpoint: %s", items[0].Endpoint)
	}
}

func TestSendQueuesOnTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	q := newTestOutbox(t)
	c := NewClient(NewTransport(ts.URL, 20*time.Millisecond), q)

	res, err := c.Send("process.start", "/process/start", map[string]string{"serial_number": "S-001"})
	if err != nil {
		t.Fatalf("timeout must queue, not error: %v", err)
	}
	if !res.Queued {
		t.Fatal("expected the payload to be queued on timeout")
	}
}

func TestSendQueuesOnServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db unavailable", http.StatusInternalServerError)
	}))
	defer ts.Close()

	q := newTestOutbox(t)
	c := NewClient(NewTransport(ts.URL, 0), q)

	res, err := c.Send("process.complete", "/process/complete", map[string]string{"serial_number": "S-001"})
	if err != nil {
		t.Fatalf("5xx must queue, not error: %v", err)
	}
	if !res.Queued {
		t.Fatal("expected the payload to be queued on 5xx")
	}
}

func TestSendSurfacesClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rework budget exhausted", http.StatusConflict)
	}))
	defer ts.Close()

	q := newTestOutbox(t)
	c := NewClient(NewTransport(ts.URL, 0), q)

	_, err := c.Send("process.complete", "/process/complete", map[string]string{"serial_number": "S-001"})
	if err == nil {
		t.Fatal("a 4xx is a final answer and must surface")
	}
	re, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if re.Kind != KindHTTPStatus || re.Status != http.StatusConflict {
		t.Errorf("wrong classification: kind=%s status=%d", re.Kind, re.Status)
	}
	if re.Retryable() {
		t.Error("a 409 must not be retryable")
	}

	n, _ := q.Len()
	if n != 0 {
		t.Errorf("4xx must never be queued, queue has %d items", n)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       RemoteError
		retryable bool
	}{
		{"connection", RemoteError{Kind: KindConnection}, true},
		{"timeout", RemoteError{Kind: KindTimeout}, true},
		{"500", RemoteError{Kind: KindHTTPStatus, Status: 500}, true},
		{"503", RemoteError{Kind: KindHTTPStatus, Status: 503}, true},
		{"400", RemoteError{Kind: KindHTTPStatus, Status: 400}, false},
		{"409", RemoteError{Kind: KindHTTPStatus, Status: 409}, false},
	}
	for _, tc := range cases {
		if got := tc.err.Retryable(); got != tc.retryable {
			t.Errorf("%s: Retryable() = %v, want %v", tc.name, got, tc.retryable)
		}
	}
}

func TestPing(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"db":"ok"}`))
	}))
	defer healthy.Close()

	if err := NewTransport(healthy.URL, 0).Ping(); err != nil {
		t.Errorf("healthy server: Ping failed: %v", err)
	}

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ok":false,"db":"locked"}`))
	}))
	defer sick.Close()

	if err := NewTransport(sick.URL, 0).Ping(); err == nil {
		t.Error("unhealthy server: Ping should fail")
	}

	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := gone.URL
	gone.Close()

	if err := NewTransport(url, 0).Ping(); err == nil {
		t.Error("unreachable server: Ping should fail")
	}
}
