package ws

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

type Client struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	mu       sync.RWMutex
	closed   bool
	channels map[string]struct{}
	// holds keeps the observer release for every scope this client watches.
	holds map[string]func()
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		out:      make(chan []byte, 64),
		channels: map[string]struct{}{},
		holds:    map[string]func(){},
	}
}

func (c *Client) ID() string {
	return c.id
}

// send queues payload; a client too slow to drain its queue is disconnected.
func (c *Client) send(payload []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- payload:
		return true
	default:
		if c.conn != nil {
			_ = c.conn.Close()
		}
		return false
	}
}

// close stops delivery and ends the writer loop.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Client) addChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[channel] = struct{}{}
}

func (c *Client) removeChannel(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channel)
}

func (c *Client) listChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Client) holding(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.holds[channel]
	return ok
}

func (c *Client) hold(channel string, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holds[channel] = release
}

// drop releases the hold on channel, if any.
func (c *Client) drop(channel string) {
	c.mu.Lock()
	release := c.holds[channel]
	delete(c.holds, channel)
	c.mu.Unlock()
	if release != nil {
		release()
	}
}

func (c *Client) dropAll() {
	c.mu.Lock()
	holds := c.holds
	c.holds = map[string]func(){}
	c.mu.Unlock()
	for _, release := range holds {
		release()
	}
}
