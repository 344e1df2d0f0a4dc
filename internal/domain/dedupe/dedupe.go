// Package dedupe remembers recently handled record keys so a tracker that
// retransmits a frame on the same connection does not have its records
// forwarded twice.
package dedupe

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/okian/trackgate/internal/domain/avl"
)

// DefaultMaxSize bounds the window when no option is given.
const DefaultMaxSize = 65536

// Deduper tracks keys that were already handled.
type Deduper interface {
	// SeenAndRecord reports whether key was already recorded and records it
	// if not. The check and the insert are atomic.
	SeenAndRecord(ctx context.Context, key string) bool

	// Seen reports whether key is recorded without recording it.
	Seen(ctx context.Context, key string) bool

	// Unrecord forgets key so that a later retransmission handles it again.
	Unrecord(ctx context.Context, key string)

	Size() int64
}

// Window is a bounded Deduper. When full, the oldest key is evicted.
type Window struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front is newest
	keys    map[string]*list.Element
}

// NewWindow creates a window with the given options.
func NewWindow(opts ...Option) *Window {
	w := &Window{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(w)
	}
	w.order = list.New()
	w.keys = make(map[string]*list.Element)
	return w
}

func (w *Window) SeenAndRecord(_ context.Context, key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.keys[key]; ok {
		return true
	}
	if w.maxSize > 0 && w.order.Len() >= w.maxSize {
		oldest := w.order.Back()
		w.order.Remove(oldest)
		delete(w.keys, oldest.Value.(string))
	}
	w.keys[key] = w.order.PushFront(key)
	return false
}

func (w *Window) Seen(_ context.Context, key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.keys[key]
	return ok
}

func (w *Window) Unrecord(_ context.Context, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.keys[key]; ok {
		w.order.Remove(el)
		delete(w.keys, key)
	}
}

func (w *Window) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.order.Len())
}

// RecordKey identifies a record for a device. Two records from the same
// device with the same fix time, position and event id are the same sample.
func RecordKey(id avl.Identity, rec *avl.Record) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		id.ExternalID,
		strconv.FormatInt(rec.Timestamp.UnixMilli(), 10),
		strconv.FormatFloat(rec.Latitude, 'f', 7, 64),
		strconv.FormatFloat(rec.Longitude, 'f', 7, 64),
		rec.EventIOID,
	)
}
