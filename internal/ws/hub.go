package ws

import "sync"

type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: map[string]map[*Client]struct{}{}}
}

func (h *Hub) Subscribe(channel string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = map[*Client]struct{}{}
	}
	h.subscribers[channel][client] = struct{}{}
	client.addChannel(channel)
}

func (h *Hub) Unsubscribe(channel string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(channel, client)
	client.removeChannel(channel)
}

func (h *Hub) UnsubscribeAll(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range client.listChannels() {
		h.removeLocked(channel, client)
	}
}

func (h *Hub) removeLocked(channel string, client *Client) {
	if subs, ok := h.subscribers[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscribers, channel)
		}
	}
}

// HasSubscribers reports whether anyone listens on channel.
func (h *Hub) HasSubscribers(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel]) > 0
}

// Publish delivers payload to every subscriber of channel and returns how
// many accepted it.
func (h *Hub) Publish(channel string, payload []byte) int {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.subscribers[channel]))
	for c := range h.subscribers[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range subs {
		if c.send(payload) {
			delivered++
		}
	}
	return delivered
}
