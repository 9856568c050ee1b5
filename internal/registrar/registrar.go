package registrar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zurustar/p2pregistrar/internal/account"
	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/metrics"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/registry"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

// Registrar answers REGISTER requests and keeps the registry in step
type Registrar struct {
	store    Store
	accounts account.Checker
	stats    *metrics.Stats
	logger   logging.Logger
}

// NewRegistrar creates a registrar. New AORs are admitted by accounts.
func NewRegistrar(store Store, accounts account.Checker, stats *metrics.Stats, logger logging.Logger) *Registrar {
	if stats == nil {
		stats = metrics.NewStats(nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registrar{
		store:    store,
		accounts: accounts,
		stats:    stats,
		logger:   logger,
	}
}

// HandleRegister processes the REGISTER request of tx. The AOR is the From
// address. Errors returned are failures the caller answers with 500, or the
// context's error once the task has been cancelled.
func (r *Registrar) HandleRegister(ctx context.Context, tx transaction.Responder) error {
	req := tx.Request()
	if req.GetMethod() != parser.MethodREGISTER {
		return fmt.Errorf("not a REGISTER request: %s", req.GetMethod())
	}

	if err := tx.Respond(parser.StatusTrying, ""); err != nil {
		return fmt.Errorf("failed to send 100 Trying: %w", err)
	}

	aor := req.FromAddress()
	if aor == "" {
		r.stats.IncRefused()
		return tx.Respond(parser.StatusBadRequest, "Missing From header")
	}

	contact := req.GetHeader(parser.HeaderContact)
	if contact == "" {
		return r.query(tx, aor)
	}

	expires, err := requestExpires(req, contact)
	if err != nil {
		r.stats.IncRefused()
		return tx.Respond(parser.StatusBadRequest, "Invalid Expires")
	}

	if strings.TrimSpace(contact) == "*" {
		if expires != 0 {
			r.stats.IncRefused()
			return tx.Respond(parser.StatusBadRequest, "Wildcard contact must have expires=0")
		}
		return r.removeAll(tx, aor)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	reg, err := r.store.UpsertOnRegister(ctx, aor, parser.AddressOf(contact), expires, r.accounts)
	switch {
	case errors.Is(err, registry.ErrAccountInvalid):
		r.logger.Info("Account not created yet", logging.UserField(aor))
		r.stats.IncRefused()
		r.stats.IncUserNotFoundAtRegistration()
		return tx.Respond(parser.StatusNotFound, "")
	case err != nil:
		r.stats.IncRefused()
		return fmt.Errorf("registration of %s failed: %w", aor, err)
	}

	err = tx.Respond(parser.StatusOK, "", func(resp *parser.SIPMessage) {
		resp.SetHeader(parser.HeaderContact, contact)
		resp.SetHeader(parser.HeaderExpires, strconv.Itoa(reg.ExpiresSeconds()))
	})
	if err != nil {
		return fmt.Errorf("failed to answer REGISTER: %w", err)
	}
	r.stats.IncSuccessful()

	if reg.Expiration == 0 && r.store.RemoveUnregistered(aor) {
		r.logger.Info("Unregistered", logging.UserField(aor))
		r.stats.IncUnregistration()
	} else if reg.Expiration > 0 {
		r.logger.Info("Registered",
			logging.UserField(aor),
			logging.StringField("contact", reg.Contact),
			logging.IntField("expires", reg.ExpiresSeconds()))
	}
	return nil
}

// query answers a REGISTER without Contact with the current binding
func (r *Registrar) query(tx transaction.Responder, aor string) error {
	reg, ok := r.store.Get(aor)
	return tx.Respond(parser.StatusOK, "", func(resp *parser.SIPMessage) {
		if ok {
			resp.SetHeader(parser.HeaderContact, "<"+reg.Contact+">")
			resp.SetHeader(parser.HeaderExpires, strconv.Itoa(reg.ExpiresSeconds()))
		}
	})
}

func (r *Registrar) removeAll(tx transaction.Responder, aor string) error {
	err := tx.Respond(parser.StatusOK, "", func(resp *parser.SIPMessage) {
		resp.SetHeader(parser.HeaderExpires, "0")
	})
	if err != nil {
		return fmt.Errorf("failed to answer REGISTER: %w", err)
	}
	r.stats.IncSuccessful()
	if r.store.Remove(aor) {
		r.logger.Info("Unregistered", logging.UserField(aor))
		r.stats.IncUnregistration()
	}
	return nil
}

// requestExpires returns the Expires header value, else the Contact expires
// parameter, else registry.NoExpires
func requestExpires(req *parser.SIPMessage, contact string) (int, error) {
	value := strings.TrimSpace(req.GetHeader(parser.HeaderExpires))
	if value == "" {
		value = contactExpires(contact)
	}
	if value == "" {
		return registry.NoExpires, nil
	}
	expires, err := strconv.Atoi(value)
	if err != nil || expires < 0 {
		return 0, fmt.Errorf("invalid expires value: %q", value)
	}
	return expires, nil
}

func contactExpires(contact string) string {
	params := contact
	if idx := strings.LastIndex(contact, ">"); idx >= 0 {
		params = contact[idx+1:]
	} else if idx := strings.Index(contact, ";"); idx >= 0 {
		params = contact[idx:]
	} else {
		return ""
	}
	for _, p := range strings.Split(params, ";") {
		key, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(key, "expires") {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
