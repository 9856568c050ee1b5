// Package overlay defines how the registrar reaches peers across the P2P
// overlay: identities are advertised, looked up and reached through pipes.
package overlay

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAdvertisementNotFound means no peer currently advertises the identity
	ErrAdvertisementNotFound = errors.New("overlay: advertisement not found")
	// ErrPipeUnavailable means the descriptor no longer leads to a listener,
	// typically because the cached advertisement is stale
	ErrPipeUnavailable = errors.New("overlay: pipe unavailable")
	// ErrClosed is returned by operations on a closed network or resource
	ErrClosed = errors.New("overlay: closed")
)

// Descriptor is what an identity advertises: the channel its pipe listens on
// and the peer that owns it.
type Descriptor struct {
	Identity  string    `cbor:"1,keyasint"`
	Channel   string    `cbor:"2,keyasint"`
	Peer      string    `cbor:"3,keyasint"`
	ExpiresAt time.Time `cbor:"4,keyasint,omitempty"`
}

// Pipe is an open, unidirectional route to the holder of a descriptor
type Pipe interface {
	Send(ctx context.Context, env *Envelope) error
	Descriptor() Descriptor
}

// Directory resolves identities to pipes
type Directory interface {
	// Lookup finds the descriptor advertised for identity. With preferLocal
	// a locally cached descriptor is returned without asking the overlay.
	Lookup(ctx context.Context, identity string, preferLocal bool) (Descriptor, error)
	// Open connects to the pipe described by d
	Open(ctx context.Context, d Descriptor) (Pipe, error)
	// Invalidate drops d from the local cache
	Invalidate(d Descriptor)
}

// InboundHandler receives envelopes arriving on a resource's pipe
type InboundHandler interface {
	HandleEnvelope(ctx context.Context, env *Envelope)
}

// InboundHandlerFunc adapts a function to InboundHandler
type InboundHandlerFunc func(ctx context.Context, env *Envelope)

// HandleEnvelope calls f(ctx, env)
func (f InboundHandlerFunc) HandleEnvelope(ctx context.Context, env *Envelope) { f(ctx, env) }

// Resource is the overlay presence of one registered identity: its input
// pipe and its advertisement.
type Resource interface {
	// Publish schedules (re)advertisement valid for expiration and returns
	// without waiting for the overlay.
	Publish(expiration time.Duration)
	Descriptor() Descriptor
	Close() error
}

// Network is a complete overlay backend
type Network interface {
	Directory
	// NewResource prepares the presence of identity. Inbound envelopes are
	// delivered to handler once the resource has been published.
	NewResource(identity string, handler InboundHandler) (Resource, error)
	Close() error
}
