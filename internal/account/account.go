// Package account answers whether an address-of-record may register.
package account

import (
	"context"
	"strings"
)

// Checker decides account validity for a new registration
type Checker interface {
	IsValidAccount(ctx context.Context, aor string) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context, aor string) (bool, error)

// IsValidAccount calls f(ctx, aor)
func (f CheckerFunc) IsValidAccount(ctx context.Context, aor string) (bool, error) {
	return f(ctx, aor)
}

// normalize lowercases the scheme and host part so lookups are not
// sensitive to how a client spells them.
func normalize(aor string) string {
	aor = strings.TrimSpace(aor)
	user, host, found := strings.Cut(aor, "@")
	if !found {
		return strings.ToLower(aor)
	}
	if scheme, rest, ok := strings.Cut(user, ":"); ok {
		user = strings.ToLower(scheme) + ":" + rest
	}
	return user + "@" + strings.ToLower(host)
}

// Static accepts the accounts of a fixed list, or every account
type Static struct {
	allowAll bool
	accounts map[string]struct{}
}

// NewStatic creates a checker over aors. With allowAll every account is valid.
func NewStatic(allowAll bool, aors ...string) *Static {
	s := &Static{
		allowAll: allowAll,
		accounts: make(map[string]struct{}, len(aors)),
	}
	for _, aor := range aors {
		s.accounts[normalize(aor)] = struct{}{}
	}
	return s
}

// IsValidAccount implements Checker
func (s *Static) IsValidAccount(ctx context.Context, aor string) (bool, error) {
	if s.allowAll {
		return true, nil
	}
	_, ok := s.accounts[normalize(aor)]
	return ok, nil
}
