// Package sse provides Server-Sent Events broadcasting for ecoroute.
package sse

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// WriteTimeout is the timeout for writing to SSE clients.
	// Prevents blocking on stale connections.
	WriteTimeout = 2 * time.Second

	// HeartbeatInterval is how often idle connections get a comment line.
	HeartbeatInterval = 15 * time.Second
)

// Client represents a connected SSE client.
type Client struct {
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	ID      string
	// ChatID limits delivery to events of one chat. Empty receives all.
	ChatID string

	writeMu sync.Mutex
}

func (c *Client) wants(chatID string) bool {
	return c.ChatID == "" || chatID == "" || c.ChatID == chatID
}

// Event is one named SSE message.
type Event struct {
	Data   interface{}
	Name   string
	ChatID string
}

// Broadcaster manages SSE client connections and message broadcasting.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
	eventID atomic.Uint64
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient adds a new SSE client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter, chatID string) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		ChatID:  chatID,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Str("chatId", chatID).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.removeClientByID(client.ID)
	select {
	case <-client.Done:
	default:
		close(client.Done)
	}
}

// removeClientByID removes a client by ID (for dead client cleanup).
func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	clientCount := len(b.clients)
	b.mu.Unlock()

	if !exists {
		return
	}
	select {
	case <-client.Done:
	default:
		close(client.Done)
	}

	log.Debug().
		Str("clientId", id).
		Int("totalClients", clientCount).
		Msg("SSE client disconnected")
}

// Broadcast sends an unnamed message to all connected clients.
func (b *Broadcaster) Broadcast(data interface{}) {
	b.Publish(Event{Data: data})
}

// Publish sends ev to every client subscribed to its chat.
// Uses non-blocking writes with timeout to prevent stale connections from blocking.
func (b *Broadcaster) Publish(ev Event) {
	jsonData, err := json.Marshal(ev.Data)
	if err != nil {
		log.Error().Err(err).Str("event", ev.Name).Msg("Failed to marshal SSE data")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d\n", b.eventID.Add(1))
	if ev.Name != "" {
		fmt.Fprintf(&sb, "event: %s\n", ev.Name)
	}
	fmt.Fprintf(&sb, "data: %s\n\n", jsonData)
	message := sb.String()

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		if client.wants(ev.ChatID) {
			clients = append(clients, client)
		}
	}
	b.mu.RUnlock()

	b.deliver(clients, message)
}

func (b *Broadcaster) deliver(clients []*Client, message string) {
	if len(clients) == 0 {
		return
	}

	deadClientsCh := make(chan string, len(clients))
	var wg sync.WaitGroup

	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				b.writeToClient(c, message, deadClientsCh)
			}(client)
		}
	}

	wg.Wait()
	close(deadClientsCh)

	for clientID := range deadClientsCh {
		b.removeClientByID(clientID)
	}
}

// writeToClient writes a message to a single client with timeout.
func (b *Broadcaster) writeToClient(client *Client, message string, deadCh chan<- string) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		client.writeMu.Lock()
		defer client.writeMu.Unlock()
		select {
		case <-client.Done:
			return
		default:
		}
		if _, err := client.Writer.Write([]byte(message)); err != nil {
			log.Debug().
				Str("clientId", client.ID).
				Err(err).
				Msg("Failed to write to SSE client, marking for removal")
			deadCh <- client.ID
			return
		}
		client.Flusher.Flush()
	}()

	timer := time.NewTimer(WriteTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		log.Warn().
			Str("clientId", client.ID).
			Dur("timeout", WriteTimeout).
			Msg("SSE write timed out, marking client for removal")
		deadCh <- client.ID
	case <-client.Done:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE handles an SSE connection request. The optional "chat" query
// parameter subscribes to a single chat.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client, err := b.AddClient(w, r.URL.Query().Get("chat"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		b.RemoveClient(client)
		// Wait out an in-flight write; later writes see Done closed.
		client.writeMu.Lock()
		client.writeMu.Unlock()
	}()

	client.writeMu.Lock()
	fmt.Fprintf(w, "event: connected\ndata: {\"type\":\"connected\",\"clientId\":\"%s\"}\n\n", client.ID)
	client.Flusher.Flush()
	client.writeMu.Unlock()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-ticker.C:
			client.writeMu.Lock()
			_, werr := fmt.Fprint(w, ": ping\n\n")
			if werr == nil {
				client.Flusher.Flush()
			}
			client.writeMu.Unlock()
			if werr != nil {
				return
			}
		}
	}
}
