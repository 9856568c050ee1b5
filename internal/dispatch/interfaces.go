package dispatch

import (
	"context"

	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

// Registrar handles REGISTER requests
type Registrar interface {
	HandleRegister(ctx context.Context, tx transaction.Responder) error
}

// Proxy forwards every other request and all responses
type Proxy interface {
	HandleRequest(ctx context.Context, tx transaction.Responder) error
	HandleResponse(ctx context.Context, resp *parser.SIPMessage) error
}
