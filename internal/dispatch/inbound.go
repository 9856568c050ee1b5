package dispatch

import (
	"context"

	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/rewrite"
)

var _ overlay.InboundHandler = (*Dispatcher)(nil)

// HandleEnvelope delivers a message received from the overlay to the local
// user agent it is meant for. Requests are routed to the contact of the
// registered To identity; responses lose our Via and follow the next one.
func (d *Dispatcher) HandleEnvelope(ctx context.Context, env *overlay.Envelope) {
	payload, ok := env.Element(overlay.ElementSIP)
	if !ok {
		d.logger.Debug("Envelope without SIP element discarded")
		return
	}

	msg, err := d.parser.Parse(payload)
	if err != nil {
		d.logger.Warn("Undecodable message from overlay", logging.ErrorField(err))
		return
	}

	logger := d.logger.With(
		logging.FirstLineField(msg.FirstLine()),
		logging.CallIDField(msg.CallID()))

	if msg.IsRequest() {
		aor := msg.ToAddress()
		reg, ok := d.registry.Get(aor)
		if !ok {
			logger.Error("User not registered here", logging.UserField(aor))
			d.stats.IncUnknownUser()
			return
		}
		rewrite.PrependRoute(msg, reg.Contact)
		d.rewriter.AddVia(msg)
		d.rewriter.AddRecordRoute(msg)
	} else {
		d.rewriter.RemoveVia(msg)
	}

	if err := d.media.BeforeDeliverLocally(msg); err != nil {
		logger.Error("Unable to rewrite SDP", logging.ErrorField(err))
	}

	if err := d.sender.Send(msg); err != nil {
		logger.Warn("Local delivery failed", logging.ErrorField(err))
		return
	}
	logger.Debug("Delivered from overlay")
}
