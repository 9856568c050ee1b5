package registry

import (
	"context"

	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

// PendingTransaction is a dialog-initiating request whose task may still be
// cancelled
type PendingTransaction struct {
	CallID      string
	Request     *parser.SIPMessage
	Transaction *transaction.ServerTransaction

	cancel context.CancelFunc
}

// NewPendingTransaction ties a request and its server transaction to the
// cancel function of the task processing it
func NewPendingTransaction(st *transaction.ServerTransaction, cancel context.CancelFunc) *PendingTransaction {
	return &PendingTransaction{
		CallID:      st.Request().CallID(),
		Request:     st.Request(),
		Transaction: st,
		cancel:      cancel,
	}
}

// Track registers p under its Call-ID, replacing any earlier entry
func (r *Registry) Track(p *PendingTransaction) {
	r.mu.Lock()
	r.pending[p.CallID] = p
	r.mu.Unlock()
}

// Cancel removes the entry for callID, cancels its task and returns it. ok
// is false when no request with that Call-ID is pending.
func (r *Registry) Cancel(callID string) (p *PendingTransaction, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok = r.pending[callID]
	if !ok {
		return nil, false
	}
	delete(r.pending, callID)
	if p.cancel != nil {
		p.cancel()
	}
	return p, true
}

// Complete removes p once its task is done. An entry that has since been
// replaced or cancelled is left alone.
func (r *Registry) Complete(p *PendingTransaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[p.CallID] != p {
		return false
	}
	delete(r.pending, p.CallID)
	return true
}

// IsPending reports whether a request with callID is pending
func (r *Registry) IsPending(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[callID]
	return ok
}

// PendingCount returns the number of pending transactions
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Gate returns the final-response gate of p: a final response goes out only
// if p still owns its entry, which it gives up by sending
func (r *Registry) Gate(p *PendingTransaction) transaction.FinalGate {
	return &gate{registry: r, pending: p}
}

type gate struct {
	registry *Registry
	pending  *PendingTransaction
}

func (g *gate) Final(send func() error) error {
	if !g.registry.Complete(g.pending) {
		return transaction.ErrSuppressed
	}
	return send()
}
