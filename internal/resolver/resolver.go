// Package resolver turns an identity into an open overlay pipe.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/overlay"
)

// DefaultDiscoveryTimeout bounds each lookup and open
const DefaultDiscoveryTimeout = 5 * time.Second

var (
	// ErrUserNotFound matches every *UserNotFoundError
	ErrUserNotFound = errors.New("user not found")
	// ErrTransport marks overlay failures other than a missing advertisement
	ErrTransport = errors.New("overlay transport failure")
)

// UserNotFoundError reports that nobody advertises Identity
type UserNotFoundError struct {
	Identity string
}

func (e *UserNotFoundError) Error() string {
	return "user not found: " + e.Identity
}

// Is makes errors.Is(err, ErrUserNotFound) hold
func (e *UserNotFoundError) Is(target error) bool {
	return target == ErrUserNotFound
}

// Resolver finds and opens the pipe of an identity. A cached descriptor that
// no longer opens is invalidated and looked up once more on the overlay.
type Resolver struct {
	directory overlay.Directory
	timeout   time.Duration
	logger    logging.Logger
}

// New creates a resolver over directory
func New(directory overlay.Directory, timeout time.Duration, logger logging.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Resolver{directory: directory, timeout: timeout, logger: logger}
}

// Resolve returns an open pipe to identity. The first lookup may be served
// from the local cache when preferLocal is set; if its pipe does not open,
// the descriptor is invalidated and exactly one lookup bypassing the cache
// follows. Errors are *UserNotFoundError, ErrTransport or the context's error.
func (r *Resolver) Resolve(ctx context.Context, identity string, preferLocal bool) (overlay.Pipe, error) {
	d, err := r.lookup(ctx, identity, preferLocal)
	if err != nil {
		return nil, err
	}

	pipe, openErr := r.open(ctx, d)
	if openErr == nil {
		return pipe, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug("Pipe did not open, retrying without cache",
		logging.UserField(identity),
		logging.ErrorField(openErr))
	r.directory.Invalidate(d)

	d, err = r.lookup(ctx, identity, false)
	if err != nil {
		return nil, err
	}
	pipe, err = r.open(ctx, d)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: opening pipe to %s: %w", ErrTransport, identity, err)
	}
	return pipe, nil
}

func (r *Resolver) lookup(ctx context.Context, identity string, preferLocal bool) (overlay.Descriptor, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	d, err := r.directory.Lookup(lookupCtx, identity, preferLocal)
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, overlay.ErrAdvertisementNotFound):
		return overlay.Descriptor{}, &UserNotFoundError{Identity: identity}
	case ctx.Err() != nil:
		return overlay.Descriptor{}, ctx.Err()
	default:
		return overlay.Descriptor{}, fmt.Errorf("%w: looking up %s: %w", ErrTransport, identity, err)
	}
}

func (r *Resolver) open(ctx context.Context, d overlay.Descriptor) (overlay.Pipe, error) {
	openCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.directory.Open(openCtx, d)
}
