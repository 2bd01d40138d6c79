package router

import (
	"sync"
	"time"
)

// Item is one message entering the debouncer.
type Item struct {
	ThreadKey string
	Text      string
	Metadata  map[string]any
}

// FlushFunc receives the accumulated items for one thread key, plus the
// metadata of the first item in the burst, when the debounce timer fires.
type FlushFunc func(threadKey string, items []Item, firstMetadata map[string]any)

// Debouncer groups bursts of short messages on the same thread key: the
// first item starts a timer, subsequent items reset it, and on fire the
// accumulated list is flushed with the first item's metadata.
type Debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	onFlush  FlushFunc
	pending  map[string]*burst
	newTimer func(d time.Duration, f func()) stoppableTimer
}

type burst struct {
	items []Item
	timer stoppableTimer
}

// stoppableTimer abstracts time.Timer so tests can inject a fake clock.
type stoppableTimer interface {
	Stop() bool
}

// NewDebouncer constructs a Debouncer with the given coalescing window.
func NewDebouncer(window time.Duration, onFlush FlushFunc) *Debouncer {
	d := &Debouncer{window: window, onFlush: onFlush, pending: map[string]*burst{}}
	d.newTimer = func(dur time.Duration, f func()) stoppableTimer {
		return time.AfterFunc(dur, f)
	}
	return d
}

// Add enqueues item, starting or resetting the burst timer for its thread
// key.
func (d *Debouncer) Add(item Item) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.pending[item.ThreadKey]
	if !ok {
		b = &burst{}
		d.pending[item.ThreadKey] = b
	} else if b.timer != nil {
		b.timer.Stop()
	}

	b.items = append(b.items, item)

	key := item.ThreadKey
	b.timer = d.newTimer(d.window, func() { d.flush(key) })
}

func (d *Debouncer) flush(threadKey string) {
	d.mu.Lock()
	b, ok := d.pending[threadKey]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, threadKey)
	d.mu.Unlock()

	if len(b.items) == 0 {
		return
	}
	d.onFlush(threadKey, b.items, b.items[0].Metadata)
}

// Flush forces an immediate flush of threadKey's burst, if any, bypassing
// the timer. Intended for tests and graceful shutdown.
func (d *Debouncer) Flush(threadKey string) {
	d.mu.Lock()
	b, ok := d.pending[threadKey]
	if ok {
		b.timer.Stop()
	}
	d.mu.Unlock()
	d.flush(threadKey)
}
