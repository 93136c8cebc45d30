package server

import (
	"context"
	"sync"

	"github.com/raniellyferreira/redis-runtime/protocol"
	"github.com/raniellyferreira/redis-runtime/storage"
)

// hub routes published messages to subscribed clients
type hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	patterns map[string]map[*Client]struct{}
}

func newHub() *hub {
	return &hub{
		channels: make(map[string]map[*Client]struct{}),
		patterns: make(map[string]map[*Client]struct{}),
	}
}

func (h *hub) add(set map[string]map[*Client]struct{}, name string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := set[name]
	if !ok {
		clients = make(map[*Client]struct{})
		set[name] = clients
	}
	clients[c] = struct{}{}
}

func (h *hub) remove(set map[string]map[*Client]struct{}, name string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := set[name]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(set, name)
		}
	}
}

// removeClient drops every subscription held by c
func (h *hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name := range c.channels {
		if clients, ok := h.channels[name]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.channels, name)
			}
		}
	}
	for name := range c.patterns {
		if clients, ok := h.patterns[name]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.patterns, name)
			}
		}
	}
}

// publish delivers payload and returns the number of receivers
func (h *hub) publish(channel string, payload []byte) int64 {
	type delivery struct {
		c   *Client
		msg protocol.Value
	}

	h.mu.RLock()
	var out []delivery
	for c := range h.channels[channel] {
		out = append(out, delivery{c, array(bulkString("message"), bulkString(channel), bulk(payload))})
	}
	for pattern, clients := range h.patterns {
		if !storage.MatchPattern(pattern, channel) {
			continue
		}
		for c := range clients {
			out = append(out, delivery{c, array(bulkString("pmessage"), bulkString(pattern), bulkString(channel), bulk(payload))})
		}
	}
	h.mu.RUnlock()

	for _, d := range out {
		_ = d.c.send(d.msg)
	}
	return int64(len(out))
}

func (c *Client) handlePublish(_ context.Context, cmd *protocol.Command) protocol.Value {
	return integer(c.server.hub.publish(cmd.Arg(0), cmd.Args[1]))
}

func (c *Client) handleSubscribe(_ context.Context, cmd *protocol.Command) protocol.Value {
	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	for _, name := range argStrings(cmd.Args) {
		if _, ok := c.channels[name]; !ok {
			c.channels[name] = struct{}{}
			c.server.hub.add(c.server.hub.channels, name, c)
		}
		c.send(array(bulkString("subscribe"), bulkString(name), integer(int64(c.subscriptions()))))
	}
	return noReply
}

func (c *Client) handlePSubscribe(_ context.Context, cmd *protocol.Command) protocol.Value {
	if c.patterns == nil {
		c.patterns = make(map[string]struct{})
	}
	for _, name := range argStrings(cmd.Args) {
		if _, ok := c.patterns[name]; !ok {
			c.patterns[name] = struct{}{}
			c.server.hub.add(c.server.hub.patterns, name, c)
		}
		c.send(array(bulkString("psubscribe"), bulkString(name), integer(int64(c.subscriptions()))))
	}
	return noReply
}

func (c *Client) handleUnsubscribe(_ context.Context, cmd *protocol.Command) protocol.Value {
	c.unsubscribe("unsubscribe", c.channels, c.server.hub.channels, argStrings(cmd.Args))
	return noReply
}

func (c *Client) handlePUnsubscribe(_ context.Context, cmd *protocol.Command) protocol.Value {
	c.unsubscribe("punsubscribe", c.patterns, c.server.hub.patterns, argStrings(cmd.Args))
	return noReply
}

// unsubscribe removes names (all of own when empty) and acknowledges each
func (c *Client) unsubscribe(kind string, own map[string]struct{}, set map[string]map[*Client]struct{}, names []string) {
	if len(names) == 0 {
		for name := range own {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		c.send(array(bulkString(kind), null(), integer(int64(c.subscriptions()))))
		return
	}
	for _, name := range names {
		if _, ok := own[name]; ok {
			delete(own, name)
			c.server.hub.remove(set, name, c)
		}
		c.send(array(bulkString(kind), bulkString(name), integer(int64(c.subscriptions()))))
	}
}
