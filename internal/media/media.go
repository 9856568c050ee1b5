// Package media holds the hooks that see message bodies on their way to and
// from the overlay.
package media

import (
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/parser"
)

// Processor is called around every overlay hop. Implementations take the
// message lock themselves when they touch headers.
type Processor interface {
	// BeforeSendToOverlay may rewrite msg; an error aborts the send
	BeforeSendToOverlay(msg *parser.SIPMessage) error
	// AfterSentToOverlay observes msg once it went out on pipe
	AfterSentToOverlay(msg *parser.SIPMessage, pipe overlay.Pipe)
	// BeforeDeliverLocally may rewrite msg; errors are logged by the caller
	// and delivery continues
	BeforeDeliverLocally(msg *parser.SIPMessage) error
}

// Nop leaves every message untouched
type Nop struct{}

func (Nop) BeforeSendToOverlay(msg *parser.SIPMessage) error { return nil }

func (Nop) AfterSentToOverlay(msg *parser.SIPMessage, pipe overlay.Pipe) {}

func (Nop) BeforeDeliverLocally(msg *parser.SIPMessage) error { return nil }
