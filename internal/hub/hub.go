// Package hub tracks connected realtime clients and fans payloads out to
// topic subscribers. Topics follow the room naming of the mobile app:
// user:<customerID>, business:<businessID>, queue:<queueID>.
package hub

import (
	"log"
	"sync"
)

const (
	TopicUserPrefix     = "user:"
	TopicBusinessPrefix = "business:"
	TopicQueuePrefix    = "queue:"
)

func UserTopic(customerID string) string     { return TopicUserPrefix + customerID }
func BusinessTopic(businessID string) string { return TopicBusinessPrefix + businessID }
func QueueTopic(queueID string) string       { return TopicQueuePrefix + queueID }

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]bool
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		ID:     id,
		Send:   make(chan []byte, buffer),
		topics: make(map[string]bool),
	}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.topics[topic] = true
}

func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.topics, topic)
}

// Broadcast delivers the payload to every subscriber of the topic. Sends
// never block: a client whose buffer is full misses the event and catches
// up on the next periodic sweep or resync.
func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.topics[topic] {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s topic %s", client.ID, topic)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
