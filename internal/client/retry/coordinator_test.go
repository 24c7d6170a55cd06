package retry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lotline/lotline/internal/client/delivery"
	"github.com/lotline/lotline/internal/client/outbox"
)

func newTestQueue(t *testing.T) *outbox.Outbox {
	t.Helper()
	q, err := outbox.Open(filepath.Join(t.TempDir(), "queue"))
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	return q
}

func enqueueN(t *testing.T, q *outbox.Outbox, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue("process.start", "/process/start", map[string]int{"n": i}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
}

func TestDrainDeliversFIFO(t *testing.T) {
	var order []int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			N int `json:"n"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		order = append(order, body.N)
		mu.Unlock()
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer ts.Close()

	q := newTestQueue(t)
	enqueueN(t, q, 3)

	c := New(q, delivery.NewTransport(ts.URL, 0), DefaultConfig())
	c.drain()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("expected FIFO delivery 0,1,2; got %v", order)
	}

	n, _ := q.Len()
	if n != 0 {
		t.Errorf("queue should be empty after drain, has %d", n)
	}
}

func TestDrainContinuesPastRetryableFailure(t *testing.T) {
	// The head item always fails; everything behind it is healthy.
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer ts.Close()

	q := newTestQueue(t)
	enqueueN(t, q, 3)

	c := New(q, delivery.NewTransport(ts.URL, 0), DefaultConfig())
	stats := c.drain()

	// One stuck item must not block the rest.
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", got)
	}
	if stats.Delivered != 2 || stats.Deferred != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	items, _ := q.List()
	if len(items) != 1 {
		t.Fatalf("only the failed item should remain, got %d", len(items))
	}
	if items[0].RetryCount != 1 {
		t.Errorf("failed item should have retry count 1, got %d", items[0].RetryCount)
	}
}

func TestDrainRemovesFinalRejections(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"accepted":false,"code":"STATE_CONFLICT"}`, http.StatusConflict)
	}))
	defer ts.Close()

	q := newTestQueue(t)
	enqueueN(t, q, 2)

	c := New(q, delivery.NewTransport(ts.URL, 0), DefaultConfig())
	stats := c.drain()

	// Final answers must not wedge the queue.
	n, _ := q.Len()
	if n != 0 {
		t.Errorf("rejected items should be removed, %d remain", n)
	}
	if stats.Rejected != 2 || stats.Delivered != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	ev := <-c.Events()
	if ev.Outcome != OutcomeRejected || ev.Detail == "" {
		t.Errorf("expected a rejected event with detail, got %+v", ev)
	}
}

func TestDrainParksItemsAtCeiling(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer ts.Close()

	q := newTestQueue(t)
	enqueueN(t, q, 2)

	items, _ := q.List()
	for i := 0; i < 3; i++ {
		if err := q.IncrementRetry(&items[0]); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.RetryCeiling = 3
	c := New(q, delivery.NewTransport(ts.URL, 0), cfg)
	stats := c.drain()

	// The parked head is skipped, the healthy item behind it delivers.
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 delivery attempt, got %d", got)
	}
	if stats.Parked != 1 || stats.Delivered != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	dead, _ := q.ListDead(cfg.RetryCeiling)
	if len(dead) != 1 {
		t.Errorf("expected 1 parked item, got %d", len(dead))
	}
}

func TestConcurrentDrainsCoalesce(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer ts.Close()

	q := newTestQueue(t)
	enqueueN(t, q, 1)

	c := New(q, delivery.NewTransport(ts.URL, 0), DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.drain()
		}()
	}

	// Give the winning drain time to reach the server, then let it finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly 1 delivery across concurrent drains, got %d", got)
	}
}

func TestRecoveryEdgeTriggersDrain(t *testing.T) {
	var healthy atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if healthy.Load() {
				w.Write([]byte(`{"ok":true}`))
			} else {
				http.Error(w, `{"ok":false}`, http.StatusServiceUnavailable)
			}
			return
		}
		w.Write([]byte(`{"accepted":true}`))
	}))
	defer ts.Close()

	q := newTestQueue(t)
	enqueueN(t, q, 2)

	cfg := Config{
		DrainInterval:  time.Hour, // keep the timer out of the test
		HealthInterval: 10 * time.Millisecond,
		RetryCeiling:   10,
	}
	c := New(q, delivery.NewTransport(ts.URL, 0), cfg)
	c.Start()
	defer c.Stop()

	// Stay offline long enough for the watcher to observe it.
	time.Sleep(50 * time.Millisecond)
	healthy.Store(true)

	delivered := 0
	deadline := time.After(2 * time.Second)
	for delivered < 2 {
		select {
		case ev := <-c.Events():
			if ev.Outcome == OutcomeDelivered {
				delivered++
			}
		case <-deadline:
			t.Fatalf("recovery edge never drained the queue, delivered=%d", delivered)
		}
	}

	n, _ := q.Len()
	if n != 0 {
		t.Errorf("queue should be empty after recovery drain, has %d", n)
	}
}
