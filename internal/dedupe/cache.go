// ABOUTME: Bounded TTL window of recently seen envelope keys
// ABOUTME: The relay drops a frame whose key repeats inside the window

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers keys for a fixed TTL, holding at most maxSize of them.
// When full, the oldest key is forgotten first.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a window and starts a sweeper that drops expired keys every
// ttl (at most once a minute).
func New(ttl time.Duration, maxSize int) *Window {
	return newWindow(ttl, maxSize, time.Now)
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop(min(ttl, time.Minute))
	return w
}

// Key builds the identity of an envelope: who sent it, what it is, which
// session, and the sender's correlation id.
func Key(sender, msgType, sessionID, id string) string {
	return strings.Join([]string{sender, msgType, sessionID, id}, "\x00")
}

// Seen reports whether key was recorded within the TTL. A key that was not
// seen is recorded, so the check and the mark happen atomically.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		// Expired keys start a new window at the back.
		e.seenAt = now
		w.order.MoveToBack(el)
		return false
	}

	if len(w.index) >= w.maxSize {
		w.dropFront()
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Len returns the number of keys currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// dropFront must be called with mu held.
func (w *Window) dropFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*entry).key)
}

func (w *Window) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep drops expired keys. The list is in seen order, so it stops at the
// first live entry.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < w.ttl {
			return
		}
		w.dropFront()
	}
}

// Close stops the sweeper. It is safe to call multiple times.
func (w *Window) Close() {
	w.once.Do(func() { close(w.done) })
}
