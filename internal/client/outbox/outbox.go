// Package outbox provides the durable on-disk queue for work events that
// could not be delivered to the server. One file per item; lexical
// filename order is enqueue order, so a directory listing is the queue.
package outbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Item is one queued delivery. Payload is kept as raw JSON so the queue
// never needs to understand the event shapes it carries.
type Item struct {
	Type        string          `json:"type"`
	Endpoint    string          `json:"endpoint"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	LastRetryAt time.Time       `json:"last_retry_at,omitempty"`

	// Filename is the item's on-disk name, set when listing. Not stored
	// in the file itself.
	Filename string `json:"-"`
}

// Outbox is a file-backed FIFO queue rooted at a single directory.
type Outbox struct {
	dir string
	mu  sync.Mutex
}

// Open opens (creating if needed) the outbox directory.
func Open(dir string) (*Outbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &Outbox{dir: dir}, nil
}

// Dir returns the queue directory.
func (o *Outbox) Dir() string {
	return o.dir
}

// Enqueue appends one item to the queue. The write is atomic: the item
// is written to a temp file, synced, then renamed into place, so a crash
// never leaves a half-written queue entry visible.
func (o *Outbox) Enqueue(itemType, endpoint string, payload interface{}) (*Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	item := &Item{
		Type:       itemType,
		Endpoint:   endpoint,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	// Zero-padded nanoseconds keep lexical order equal to enqueue order.
	item.Filename = fmt.Sprintf("%020d-%s.json", item.EnqueuedAt.UnixNano(), uuid.New().String()[:8])

	if err := o.writeItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

// List returns all queued items in FIFO order. Unreadable entries are
// renamed aside with a .bad suffix rather than blocking the queue.
func (o *Outbox) List() ([]Item, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.listLocked()
}

// Len returns the number of queued items.
func (o *Outbox) Len() (int, error) {
	items, err := o.List()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// ListDead returns items whose retry count has reached the ceiling.
// They stay on disk until an operator removes or requeues them.
func (o *Outbox) ListDead(ceiling int) ([]Item, error) {
	items, err := o.List()
	if err != nil {
		return nil, err
	}
	var dead []Item
	for _, it := range items {
		if it.RetryCount >= ceiling {
			dead = append(dead, it)
		}
	}
	return dead, nil
}

// Remove deletes a delivered (or abandoned) item.
func (o *Outbox) Remove(item *Item) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.Remove(filepath.Join(o.dir, item.Filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove outbox item: %w", err)
	}
	return nil
}

// IncrementRetry bumps the item's retry count in place. The filename is
// unchanged, so the item keeps its position in the queue.
func (o *Outbox) IncrementRetry(item *Item) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	item.RetryCount++
	item.LastRetryAt = time.Now().UTC()
	return o.writeItem(item)
}

// Requeue resets a dead item's retry count and moves it to the back of
// the queue under a fresh name.
func (o *Outbox) Requeue(item *Item) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := item.Filename
	item.RetryCount = 0
	item.LastRetryAt = time.Time{}
	item.EnqueuedAt = time.Now().UTC()
	item.Filename = fmt.Sprintf("%020d-%s.json", item.EnqueuedAt.UnixNano(), uuid.New().String()[:8])

	if err := o.writeItem(item); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(o.dir, old)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove requeued item: %w", err)
	}
	return nil
}

func (o *Outbox) writeItem(item *Item) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox item: %w", err)
	}

	path := filepath.Join(o.dir, item.Filename)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create outbox item: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write outbox item: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync outbox item: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish outbox item: %w", err)
	}
	return nil
}

func (o *Outbox) listLocked() ([]Item, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, fmt.Errorf("read outbox dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	items := make([]Item, 0, len(names))
	for _, name := range names {
		path := filepath.Join(o.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read outbox item %s: %w", name, err)
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			// Quarantine instead of wedging the whole queue.
			os.Rename(path, path+".bad")
			continue
		}
		item.Filename = name
		items = append(items, item)
	}
	return items, nil
}
