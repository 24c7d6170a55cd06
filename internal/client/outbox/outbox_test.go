package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testPayload struct {
	SerialNumber string `json:"serial_number"`
	Result       string `json:"result"`
}

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return o
}

func TestEnqueueAndList(t *testing.T) {
	o := newTestOutbox(t)

	for i, serial := range []string{"S-001", "S-002", "S-003"} {
		_, err := o.Enqueue("process.complete", "/process/complete", testPayload{SerialNumber: serial, Result: "PASS"})
		if err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	items, err := o.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	// FIFO: same order the items went in.
	for i, want := range []string{"S-001", "S-002", "S-003"} {
		var p testPayload
		if err := json.Unmarshal(items[i].Payload, &p); err != nil {
			t.Fatalf("unmarshal payload %d: %v", i, err)
		}
		if p.SerialNumber != want {
			t.Errorf("item %d: expected serial %s, got %s", i, want, p.SerialNumber)
		}
	}

	if items[0].Endpoint != "/process/complete" {
		t.Errorf("expected endpoint /process/complete, got %s", items[0].Endpoint)
	}
	if items[0].RetryCount != 0 {
		t.Errorf("new item should have retry count 0, got %d", items[0].RetryCount)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queue")

	o, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-001"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Simulate a restart: a fresh handle on the same directory.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	items, err := reopened.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item after reopen, got %d", len(items))
	}
	if items[0].Type != "process.start" {
		t.Errorf("expected type process.start, got %s", items[0].Type)
	}
}

func TestRemove(t *testing.T) {
	o := newTestOutbox(t)

	item, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-001"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := o.Remove(item); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	n, err := o.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty queue, got %d items", n)
	}

	// Removing twice is not an error.
	if err := o.Remove(item); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
}

func TestIncrementRetryKeepsPosition(t *testing.T) {
	o := newTestOutbox(t)

	first, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-001"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-002"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := o.IncrementRetry(first); err != nil {
		t.Fatalf("IncrementRetry failed: %v", err)
	}
	if err := o.IncrementRetry(first); err != nil {
		t.Fatalf("IncrementRetry failed: %v", err)
	}

	items, err := o.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if items[0].RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", items[0].RetryCount)
	}
	if items[0].LastRetryAt.IsZero() {
		t.Error("expected last retry timestamp to be set")
	}

	// Still first in line.
	var p testPayload
	json.Unmarshal(items[0].Payload, &p)
	if p.SerialNumber != "S-001" {
		t.Errorf("retried item lost its queue position: head is %s", p.SerialNumber)
	}
}

func TestListDeadAndRequeue(t *testing.T) {
	o := newTestOutbox(t)

	dead, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-001"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-002"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := o.IncrementRetry(dead); err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
	}

	got, err := o.ListDead(3)
	if err != nil {
		t.Fatalf("ListDead failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dead item, got %d", len(got))
	}

	if err := o.Requeue(&got[0]); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	items, err := o.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items after requeue, got %d", len(items))
	}

	// Requeue resets the count and moves the item to the back.
	var p testPayload
	json.Unmarshal(items[1].Payload, &p)
	if p.SerialNumber != "S-001" {
		t.Errorf("requeued item should be at the back, got %s", p.SerialNumber)
	}
	if items[1].RetryCount != 0 {
		t.Errorf("requeued item should have retry count 0, got %d", items[1].RetryCount)
	}
}

func TestCorruptItemIsQuarantined(t *testing.T) {
	o := newTestOutbox(t)

	if _, err := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-001"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A torn write from a crashed process.
	bad := filepath.Join(o.Dir(), "00000000000000000000-dead0000.json")
	if err := os.WriteFile(bad, []byte("{truncated"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	items, err := o.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 readable item, got %d", len(items))
	}
	if _, err := os.Stat(bad + ".bad"); err != nil {
		t.Errorf("corrupt item should be renamed aside: %v", err)
	}
}

func TestEnqueueTimestampsAreMonotonicInNames(t *testing.T) {
	o := newTestOutbox(t)

	a, _ := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-001"})
	time.Sleep(time.Millisecond)
	b, _ := o.Enqueue("process.start", "/process/start", testPayload{SerialNumber: "S-002"})

	if !(a.Filename < b.Filename) {
		t.Errorf("filenames must sort in enqueue order: %s !< %s", a.Filename, b.Filename)
	}
}
