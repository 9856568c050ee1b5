package registrar

import (
	"context"

	"github.com/zurustar/p2pregistrar/internal/account"
	"github.com/zurustar/p2pregistrar/internal/registry"
)

// Store is the part of the registry the registrar mutates
type Store interface {
	Get(aor string) (registry.Registration, bool)
	UpsertOnRegister(ctx context.Context, aor, contact string, expiresSeconds int, check account.Checker) (registry.Registration, error)
	Remove(aor string) bool
	RemoveUnregistered(aor string) bool
}
