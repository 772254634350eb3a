// Package logstream fans formatted log lines out to connected subscribers.
package logstream

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/opentalon/evolve/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 256

var ErrClosed = errors.New("log stream hub closed")

// Subscriber receives published lines on C until it is removed from the hub.
// A subscriber that falls behind loses lines instead of blocking publishers.
type Subscriber struct {
	ID string
	C  <-chan string

	ch      chan string
	dropped atomic.Int64
}

// Dropped reports how many lines were discarded because the queue was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Hub is the registry of live subscribers. Subscribers are added on connect
// and removed on disconnect or error; there is no process-wide instance.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	seq    uint64
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

func (h *Hub) Subscribe(buffer int) (*Subscriber, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.seq++
	ch := make(chan string, buffer)
	s := &Subscriber{ID: subscriberID(h.seq), C: ch, ch: ch}
	h.subs[s.ID] = s
	metrics.SetLogSubscribers(len(h.subs))
	return s, nil
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(s.ch)
	metrics.SetLogSubscribers(len(h.subs))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers line to every subscriber without blocking.
func (h *Hub) Publish(line string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- line:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close removes all subscribers. Later Subscribe calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
	h.closed = true
	metrics.SetLogSubscribers(0)
}

func subscriberID(n uint64) string {
	return "sub-" + strconv.FormatUint(n, 10)
}
