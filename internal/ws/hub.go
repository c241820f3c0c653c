package ws

import (
	"sync"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans device decision events out to the subscribers of one user.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	count     chan chan int
	done      chan struct{}
	stopOnce  sync.Once
}

type message struct {
	userID  string
	payload []byte
}

type subscription struct {
	userID string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		count:     make(chan chan int),
		done:      make(chan struct{}),
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
			if _, ok := h.clients[sub.userID]; !ok {
				h.clients[sub.userID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.userID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.userID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.userID)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.userID]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.userID)
			}
		case reply := <-h.count:
			n := 0
			for _, clients := range h.clients {
				n += len(clients)
			}
			reply <- n
		}
	}
}

// Register subscribes client to the events of userID.
func (h *Hub) Register(userID string, client Subscriber) {
	select {
	case h.register <- subscription{userID: userID, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(userID string, client Subscriber) {
	select {
	case h.unreg <- subscription{userID: userID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of userID. It drops the
// event when the hub is stopped.
func (h *Hub) Broadcast(userID string, payload []byte) {
	select {
	case h.broadcast <- message{userID: userID, payload: payload}:
	case <-h.done:
	}
}

// Subscribers reports the number of connected clients.
func (h *Hub) Subscribers() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Stop closes every subscriber and ends the dispatch loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}
