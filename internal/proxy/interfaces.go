package proxy

import (
	"context"

	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

// Resolver finds the overlay pipe of an identity
type Resolver interface {
	Resolve(ctx context.Context, identity string, preferLocal bool) (overlay.Pipe, error)
}

// Transactions is the view of the local transaction table the proxy needs
// to absorb ACKs
type Transactions interface {
	FindTransaction(msg *parser.SIPMessage) *transaction.ServerTransaction
	Terminate(ack *parser.SIPMessage) bool
}
