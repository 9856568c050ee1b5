package webadmin

import (
	"context"

	"github.com/zurustar/p2pregistrar/internal/registry"
)

// Registrations is the read-only view of the registration store
type Registrations interface {
	Keys() []string
	Get(aor string) (registry.Registration, bool)
}

// AccountEditor manages the account directory. Static account lists are
// not editable and leave it nil.
type AccountEditor interface {
	Add(ctx context.Context, aor string) error
	Disable(ctx context.Context, aor string) error
}

// HTTP endpoints:
// GET    /metrics                 prometheus counters
// GET    /admin/registrations     registered AORs with contact and expiry
// POST   /admin/accounts          add the account in form field aor
// DELETE /admin/accounts?aor=...  disable an account
