package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/splax/launchpad/internal/service/deploy"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans pipeline events out to subscribers keyed by owner.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

type message struct {
	owner   string
	payload []byte
}

type subscription struct {
	owner  string
	client Subscriber
}

const broadcastBuffer = 256

// NewHub creates a running Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
		log:       logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.owner]; !ok {
				h.clients[sub.owner] = make(map[Subscriber]struct{})
			}
			h.clients[sub.owner][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.owner]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.owner)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.owner]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.owner)
				}
			}
		}
	}
}

// Register adds a client to an owner's stream.
func (h *Hub) Register(owner string, client Subscriber) {
	select {
	case h.register <- subscription{owner: owner, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(owner string, client Subscriber) {
	select {
	case h.unreg <- subscription{owner: owner, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for the owner's clients. It never blocks the
// caller; when the queue is full the message is dropped.
func (h *Hub) Broadcast(owner string, payload []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- message{owner: owner, payload: payload}:
	default:
		h.log.Warn("event stream backlog full, dropping message", "owner", owner)
	}
}

// Publish implements deploy.EventPublisher.
func (h *Hub) Publish(e deploy.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("encode event failed", "error", err)
		return
	}
	h.Broadcast(e.Owner, payload)
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
