// Package registry is the registrar's single state object: the AOR
// registrations and the table of cancellable in-flight requests, guarded by
// one lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/zurustar/p2pregistrar/internal/account"
	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/overlay"
)

// DefaultExpiration applies when a REGISTER carries no Expires
const DefaultExpiration = 3600 * time.Second

// NoExpires tells UpsertOnRegister the request had no Expires value
const NoExpires = -1

// ErrAccountInvalid is returned when a new AOR fails the account check
var ErrAccountInvalid = errors.New("account is not valid")

// Registration binds an address-of-record to its current contact and to its
// presence on the overlay
type Registration struct {
	AOR          string
	Contact      string
	RegisteredAt time.Time
	Expiration   time.Duration
	Resource     overlay.Resource
	// MediaRelayBindings maps a media kind to the address it is relayed on
	MediaRelayBindings map[string]string
}

// ExpiresAt is the instant the binding lapses
func (r *Registration) ExpiresAt() time.Time {
	return r.RegisteredAt.Add(r.Expiration)
}

// ExpiresSeconds is the expiration in whole seconds as echoed in Expires
func (r *Registration) ExpiresSeconds() int {
	return int(r.Expiration / time.Second)
}

func (r *Registration) snapshot() Registration {
	c := *r
	c.MediaRelayBindings = make(map[string]string, len(r.MediaRelayBindings))
	for k, v := range r.MediaRelayBindings {
		c.MediaRelayBindings[k] = v
	}
	return c
}

// Registry owns the registrations and pending transactions
type Registry struct {
	network overlay.Network
	clock   clock.Clock
	logger  logging.Logger

	mu            sync.Mutex
	inbound       overlay.InboundHandler
	registrations map[string]*Registration
	pending       map[string]*PendingTransaction
}

// New creates an empty registry publishing through network. A nil clock
// uses wall time.
func New(network overlay.Network, clk clock.Clock, logger logging.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		network:       network,
		clock:         clk,
		logger:        logger,
		registrations: make(map[string]*Registration),
		pending:       make(map[string]*PendingTransaction),
	}
}

// SetInboundHandler sets the handler subscribed by resources created from
// now on
func (r *Registry) SetInboundHandler(h overlay.InboundHandler) {
	r.mu.Lock()
	r.inbound = h
	r.mu.Unlock()
}

// Get returns a copy of the registration for aor
func (r *Registry) Get(aor string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[aor]
	if !ok {
		return Registration{}, false
	}
	return reg.snapshot(), true
}

// UpsertOnRegister records contact for aor. A new AOR must pass check first;
// an invalid one yields ErrAccountInvalid and nothing changes. The overlay
// resource is created on the first registration of aor and published again
// on every refresh. With an expiration of zero the registration is refreshed
// but not published; the caller removes it once it has answered. A new AOR
// registering with zero is validated and answered but never stored.
func (r *Registry) UpsertOnRegister(ctx context.Context, aor, contact string, expiresSeconds int, check account.Checker) (Registration, error) {
	expiration := DefaultExpiration
	if expiresSeconds >= 0 {
		expiration = time.Duration(expiresSeconds) * time.Second
	}

	r.mu.Lock()
	_, exists := r.registrations[aor]
	r.mu.Unlock()

	if !exists {
		valid, err := check.IsValidAccount(ctx, aor)
		if err != nil {
			return Registration{}, fmt.Errorf("account check for %s failed: %w", aor, err)
		}
		if !valid {
			return Registration{}, fmt.Errorf("%w: %s", ErrAccountInvalid, aor)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[aor]
	if !ok {
		reg = &Registration{AOR: aor, MediaRelayBindings: make(map[string]string)}
	}
	reg.Contact = contact
	reg.RegisteredAt = r.clock.Now()
	reg.Expiration = expiration

	if expiration == 0 {
		return reg.snapshot(), nil
	}

	if reg.Resource == nil {
		res, err := r.network.NewResource(aor, r.inbound)
		if err != nil {
			return Registration{}, fmt.Errorf("failed to create overlay resource for %s: %w", aor, err)
		}
		reg.Resource = res
	}
	r.registrations[aor] = reg
	reg.Resource.Publish(expiration)

	return reg.snapshot(), nil
}

// Remove drops the registration of aor and releases its overlay resource. It
// reports whether a registration existed.
func (r *Registry) Remove(aor string) bool {
	r.mu.Lock()
	reg, ok := r.registrations[aor]
	delete(r.registrations, aor)
	r.mu.Unlock()

	if ok {
		r.release(reg)
	}
	return ok
}

// RemoveUnregistered drops the registration of aor only while it still has
// a zero expiration, so a refresh that landed in between survives.
func (r *Registry) RemoveUnregistered(aor string) bool {
	r.mu.Lock()
	reg, ok := r.registrations[aor]
	if ok && reg.Expiration != 0 {
		ok = false
	}
	if ok {
		delete(r.registrations, aor)
	}
	r.mu.Unlock()

	if ok {
		r.release(reg)
	}
	return ok
}

func (r *Registry) release(reg *Registration) {
	if reg.Resource == nil {
		return
	}
	if err := reg.Resource.Close(); err != nil {
		r.logger.Warn("Failed to release overlay resource",
			logging.UserField(reg.AOR),
			logging.ErrorField(err))
	}
}

// Sweep removes every registration whose expiration has elapsed and returns
// their AORs
func (r *Registry) Sweep() []string {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []*Registration
	for aor, reg := range r.registrations {
		if !now.Before(reg.ExpiresAt()) {
			expired = append(expired, reg)
			delete(r.registrations, aor)
		}
	}
	r.mu.Unlock()

	aors := make([]string, 0, len(expired))
	for _, reg := range expired {
		r.release(reg)
		aors = append(aors, reg.AOR)
	}
	sort.Strings(aors)
	return aors
}

// Keys lists the registered AORs
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.registrations))
	for aor := range r.registrations {
		keys = append(keys, aor)
	}
	return keys
}

// Count returns the number of registrations
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registrations)
}

// BindMediaRelay records the relay address of a media kind for a registered
// aor and reports whether aor is registered
func (r *Registry) BindMediaRelay(aor, media, address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[aor]
	if !ok {
		return false
	}
	reg.MediaRelayBindings[media] = address
	return true
}

// Close releases every registration
func (r *Registry) Close() {
	r.mu.Lock()
	regs := r.registrations
	r.registrations = make(map[string]*Registration)
	r.mu.Unlock()

	for _, reg := range regs {
		r.release(reg)
	}
}
