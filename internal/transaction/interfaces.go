package transaction

import (
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// TransactionState represents the state of a server transaction
type TransactionState int

const (
	StateTrying TransactionState = iota
	StateProceeding
	StateCompleted
	StateTerminated
)

// String returns the string representation of the transaction state
func (ts TransactionState) String() string {
	switch ts {
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Sender delivers a message to the local transport
type Sender interface {
	Send(msg *parser.SIPMessage) error
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(msg *parser.SIPMessage) error

// Send calls f(msg)
func (f SenderFunc) Send(msg *parser.SIPMessage) error { return f(msg) }

// FinalGate decides whether a final response may still be emitted. Final
// calls send only when the response is allowed and returns ErrSuppressed
// otherwise.
type FinalGate interface {
	Final(send func() error) error
}

// Responder answers the request a server transaction was created for
type Responder interface {
	Respond(statusCode int, reason string, decorate ...func(resp *parser.SIPMessage)) error
	Request() *parser.SIPMessage
}
