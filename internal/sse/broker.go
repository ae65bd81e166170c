package sse

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

const clientBufferSize = 100

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	ID     uint64
	Events chan Event
	Done   chan struct{}
}

// Broker fans session updates out to every connected event stream.
type Broker struct {
	clients map[*Client]bool
	nextID  uint64
	closed  bool
	mu      sync.RWMutex
}

func NewBroker() *Broker {
	return &Broker{
		clients: make(map[*Client]bool),
	}
}

func (b *Broker) Subscribe() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	client := &Client{
		ID:     b.nextID,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}
	if b.closed {
		close(client.Done)
		return client
	}
	b.clients[client] = true

	log.Info().
		Uint64("clientId", client.ID).
		Int("clientCount", len(b.clients)).
		Msg("sse client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.Done)

		log.Info().
			Uint64("clientId", client.ID).
			Int("clientCount", len(b.clients)).
			Msg("sse client unsubscribed")
	}
}

// Broadcast encodes data and hands it to every client. Slow clients lose
// events rather than stalling the session.
func (b *Broker) Broadcast(eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	event := Event{Type: eventType, Data: raw}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Uint64("clientId", client.ID).
				Str("type", eventType).
				Msg("client event buffer full, dropping event")
		}
	}
	return nil
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for client := range b.clients {
		close(client.Done)
	}
	b.clients = make(map[*Client]bool)
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
