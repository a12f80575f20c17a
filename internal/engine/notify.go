package engine

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/engram-context/pkg/models"
)

// notifyBuffer is how many captured records may wait for slow subscribers
// before new ones are dropped.
const notifyBuffer = 256

// notifier delivers captured records to subscribers on its own goroutine, so a
// stalled subscriber never holds up capture.
type notifier struct {
	mu          sync.RWMutex
	subscribers map[int]func(*models.ContextRecord)
	next        int
	closed      bool

	queue chan *models.ContextRecord
}

func newNotifier(size int) *notifier {
	n := &notifier{
		subscribers: make(map[int]func(*models.ContextRecord)),
		queue:       make(chan *models.ContextRecord, size),
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	for rec := range n.queue {
		n.mu.RLock()
		subs := make([]func(*models.ContextRecord), 0, len(n.subscribers))
		for _, fn := range n.subscribers {
			subs = append(subs, fn)
		}
		n.mu.RUnlock()

		for _, fn := range subs {
			fn(rec)
		}
	}
}

func (n *notifier) subscribe(fn func(*models.ContextRecord)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subscribers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subscribers, id)
		n.mu.Unlock()
	}
}

// publish queues rec without blocking; when the queue is full rec is dropped.
func (n *notifier) publish(rec *models.ContextRecord) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed || len(n.subscribers) == 0 {
		return
	}
	select {
	case n.queue <- rec:
	default:
		log.Debug().Str("record_id", string(rec.ID)).Msg("Subscribers behind, dropping capture notification")
	}
}

// Close stops delivery. Records already queued are still handed out.
func (n *notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	return nil
}
