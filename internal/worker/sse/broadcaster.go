// Package sse streams engine events to connected clients as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a single write to a client.
const WriteTimeout = 2 * time.Second

// Client is a connected stream.
type Client struct {
	ID      string
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once

	writeMu sync.Mutex
}

// send writes and flushes msg; writes to one client are serialized.
func (c *Client) send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(msg); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed when the client is removed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Broadcaster fans events out to all connected clients.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*Client)}
}

// AddClient registers w. It fails if w cannot stream.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	c := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	b.clients[c.ID] = c
	n := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client", c.ID).Int("clients", n).Msg("Stream client connected")
	return c, nil
}

// RemoveClient unregisters c. Removing twice is harmless.
func (b *Broadcaster) RemoveClient(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.ID)
	n := len(b.clients)
	b.mu.Unlock()

	c.close()
	log.Debug().Str("client", c.ID).Int("clients", n).Msg("Stream client disconnected")
}

// Broadcast sends one named event with a JSON payload to every client.
// Clients that fail or stall are dropped.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode stream event")
		return
	}
	msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		dead sync.Map
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if !b.write(c, msg) {
				dead.Store(c.ID, c)
			}
		}(c)
	}
	wg.Wait()

	dead.Range(func(_, v any) bool {
		b.RemoveClient(v.(*Client))
		return true
	})
}

// write delivers msg to c, reporting false if the client should be dropped.
func (b *Broadcaster) write(c *Client, msg []byte) bool {
	result := make(chan error, 1)
	go func() {
		result <- c.send(msg)
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Debug().Err(err).Str("client", c.ID).Msg("Stream write failed")
			return false
		}
		return true
	case <-time.After(WriteTimeout):
		log.Warn().Str("client", c.ID).Dur("timeout", WriteTimeout).Msg("Stream write timed out")
		return false
	case <-c.done:
		return true
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves one stream until the request ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(c)

	if err := c.send([]byte(fmt.Sprintf("event: connected\ndata: {\"client\":%q}\n\n", c.ID))); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-c.done:
	}
}
