// Package notify carries credential events between processes. Every
// transport implements token.Transport and never hands an event back to the
// endpoint that published it.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/basecamp/crmsync/internal/token"
)

// ChannelName is the broadcast channel shared by every crmsync process.
const ChannelName = "zoho_token_sync"

// Hub connects named in-process channels. It stands in for a broadcast
// channel between managers living in one process (tests, the backend).
type Hub struct {
	mu       sync.Mutex
	channels map[string][]*Channel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string][]*Channel)}
}

// Open returns a new endpoint on the named channel.
func (h *Hub) Open(name string) *Channel {
	c := &Channel{
		hub:    h,
		name:   name,
		origin: uuid.NewString(),
		subs:   make(map[int]func(token.Event)),
	}
	h.mu.Lock()
	h.channels[name] = append(h.channels[name], c)
	h.mu.Unlock()
	return c
}

func (h *Hub) peers(c *Channel) []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Channel
	for _, p := range h.channels[c.name] {
		if p != c {
			out = append(out, p)
		}
	}
	return out
}

func (h *Hub) remove(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.channels[c.name]
	for i, p := range list {
		if p == c {
			h.channels[c.name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.channels[c.name]) == 0 {
		delete(h.channels, c.name)
	}
}

// Channel is one endpoint on a Hub. Delivery is synchronous.
type Channel struct {
	hub    *Hub
	name   string
	origin string

	mu     sync.Mutex
	subs   map[int]func(token.Event)
	nextID int
	closed bool
}

// Publish delivers ev to every other open channel with the same name.
func (c *Channel) Publish(_ context.Context, ev token.Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ev.Origin = c.origin
	for _, p := range c.hub.peers(c) {
		p.deliver(ev)
	}
	return nil
}

// Subscribe registers fn for events from other channels.
func (c *Channel) Subscribe(fn func(token.Event)) func() {
	return subscribe(&c.mu, c.subs, &c.nextID, fn)
}

// Close detaches the channel from the hub.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	clear(c.subs)
	c.mu.Unlock()
	c.hub.remove(c)
	return nil
}

func (c *Channel) deliver(ev token.Event) {
	for _, fn := range snapshot(&c.mu, c.subs) {
		fn(ev)
	}
}
