// Package memory is an in-process overlay. Several nodes share one Hub, which
// plays the role of the overlay's rendezvous; each node keeps its own cache
// of descriptors so stale-cache behaviour can be reproduced.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/zurustar/p2pregistrar/internal/overlay"
)

var _ overlay.Network = (*Node)(nil)

// Hub holds the advertisements and listening pipes of every node
type Hub struct {
	clock clock.Clock

	mu    sync.Mutex
	ads   map[string]overlay.Descriptor
	pipes map[string]overlay.InboundHandler
}

// NewHub creates an empty hub. A nil clock uses wall time.
func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	return &Hub{
		clock: clk,
		ads:   make(map[string]overlay.Descriptor),
		pipes: make(map[string]overlay.InboundHandler),
	}
}

func (h *Hub) advertisement(identity string) (overlay.Descriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.ads[identity]
	if !ok {
		return overlay.Descriptor{}, false
	}
	if !d.ExpiresAt.IsZero() && !h.clock.Now().Before(d.ExpiresAt) {
		delete(h.ads, identity)
		return overlay.Descriptor{}, false
	}
	return d, true
}

func (h *Hub) listener(channel string) (overlay.InboundHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handler, ok := h.pipes[channel]
	return handler, ok
}

// Node is one participant of the in-process overlay
type Node struct {
	hub  *Hub
	name string

	mu        sync.Mutex
	cache     map[string]overlay.Descriptor
	failOpens int
	closed    bool
	published sync.WaitGroup

	localLookups  atomic.Int64
	remoteLookups atomic.Int64
	opens         atomic.Int64
}

// NewNode joins hub under name
func (h *Hub) NewNode(name string) *Node {
	return &Node{
		hub:   h,
		name:  name,
		cache: make(map[string]overlay.Descriptor),
	}
}

// Lookup implements overlay.Directory
func (n *Node) Lookup(ctx context.Context, identity string, preferLocal bool) (overlay.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return overlay.Descriptor{}, err
	}

	if preferLocal {
		n.localLookups.Add(1)
		n.mu.Lock()
		d, ok := n.cache[identity]
		n.mu.Unlock()
		if ok {
			return d, nil
		}
	} else {
		n.remoteLookups.Add(1)
	}

	d, ok := n.hub.advertisement(identity)
	if !ok {
		return overlay.Descriptor{}, fmt.Errorf("%w: %s", overlay.ErrAdvertisementNotFound, identity)
	}
	n.mu.Lock()
	n.cache[identity] = d
	n.mu.Unlock()
	return d, nil
}

// Open implements overlay.Directory
func (n *Node) Open(ctx context.Context, d overlay.Descriptor) (overlay.Pipe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.opens.Add(1)

	n.mu.Lock()
	if n.failOpens > 0 {
		n.failOpens--
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: injected failure for %s", overlay.ErrPipeUnavailable, d.Channel)
	}
	n.mu.Unlock()

	if _, ok := n.hub.listener(d.Channel); !ok {
		return nil, fmt.Errorf("%w: %s", overlay.ErrPipeUnavailable, d.Channel)
	}
	return &pipe{hub: n.hub, descriptor: d}, nil
}

// Invalidate implements overlay.Directory
func (n *Node) Invalidate(d overlay.Descriptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cached, ok := n.cache[d.Identity]; ok && cached.Channel == d.Channel {
		delete(n.cache, d.Identity)
	}
}

// Seed places d in the local cache as if it had been looked up earlier
func (n *Node) Seed(d overlay.Descriptor) {
	n.mu.Lock()
	n.cache[d.Identity] = d
	n.mu.Unlock()
}

// FailNextOpens makes the next count Open calls fail with ErrPipeUnavailable
func (n *Node) FailNextOpens(count int) {
	n.mu.Lock()
	n.failOpens = count
	n.mu.Unlock()
}

// LocalLookups counts lookups made with preferLocal set
func (n *Node) LocalLookups() int64 { return n.localLookups.Load() }

// RemoteLookups counts lookups that bypassed the local cache
func (n *Node) RemoteLookups() int64 { return n.remoteLookups.Load() }

// Opens counts Open calls
func (n *Node) Opens() int64 { return n.opens.Load() }

// NewResource implements overlay.Network
func (n *Node) NewResource(identity string, handler overlay.InboundHandler) (overlay.Resource, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, overlay.ErrClosed
	}
	return &resource{
		node:    n,
		handler: handler,
		descriptor: overlay.Descriptor{
			Identity: identity,
			Channel:  "pipe:" + identity + ":" + uuid.NewString(),
			Peer:     n.name,
		},
	}, nil
}

// WaitPublished blocks until every scheduled publication has been applied
func (n *Node) WaitPublished() {
	n.published.Wait()
}

// Close implements overlay.Network
func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.published.Wait()
	return nil
}

type pipe struct {
	hub        *Hub
	descriptor overlay.Descriptor
}

func (p *pipe) Descriptor() overlay.Descriptor { return p.descriptor }

// Send round-trips the envelope through its wire form and delivers it
// synchronously to the listener.
func (p *pipe) Send(ctx context.Context, env *overlay.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	handler, ok := p.hub.listener(p.descriptor.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", overlay.ErrPipeUnavailable, p.descriptor.Channel)
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	received, err := overlay.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}
	handler.HandleEnvelope(context.WithoutCancel(ctx), received)
	return nil
}

type resource struct {
	node       *Node
	handler    overlay.InboundHandler
	descriptor overlay.Descriptor

	mu     sync.Mutex
	closed bool
}

func (r *resource) Descriptor() overlay.Descriptor { return r.descriptor }

func (r *resource) Publish(expiration time.Duration) {
	r.node.published.Add(1)
	go func() {
		defer r.node.published.Done()

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}

		hub := r.node.hub
		d := r.descriptor
		d.ExpiresAt = hub.clock.Now().Add(expiration)

		hub.mu.Lock()
		hub.pipes[d.Channel] = r.handler
		hub.ads[d.Identity] = d
		hub.mu.Unlock()
	}()
}

func (r *resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	hub := r.node.hub
	hub.mu.Lock()
	delete(hub.pipes, r.descriptor.Channel)
	if current, ok := hub.ads[r.descriptor.Identity]; ok && current.Channel == r.descriptor.Channel {
		delete(hub.ads, r.descriptor.Identity)
	}
	hub.mu.Unlock()
	return nil
}
