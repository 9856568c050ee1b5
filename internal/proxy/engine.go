package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/media"
	"github.com/zurustar/p2pregistrar/internal/metrics"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/resolver"
	"github.com/zurustar/p2pregistrar/internal/rewrite"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

// Engine forwards local requests and responses to the overlay
type Engine struct {
	rewriter     *rewrite.Rewriter
	resolver     Resolver
	media        media.Processor
	parser       parser.MessageParser
	transactions Transactions
	stats        *metrics.Stats
	logger       logging.Logger
}

// NewEngine creates a proxy engine
func NewEngine(
	rewriter *rewrite.Rewriter,
	resolver Resolver,
	processor media.Processor,
	p parser.MessageParser,
	transactions Transactions,
	stats *metrics.Stats,
	logger logging.Logger,
) *Engine {
	if processor == nil {
		processor = media.Nop{}
	}
	if stats == nil {
		stats = metrics.NewStats(nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{
		rewriter:     rewriter,
		resolver:     resolver,
		media:        processor,
		parser:       p,
		transactions: transactions,
		stats:        stats,
		logger:       logger,
	}
}

// HandleRequest forwards the request of tx to the overlay pipe of its To
// identity. An unknown destination is answered 404 for INVITE and returned
// for other methods; any failure after our Via was added removes it again.
func (e *Engine) HandleRequest(ctx context.Context, tx transaction.Responder) error {
	req := tx.Request()
	method := req.GetMethod()

	if method == parser.MethodACK && e.absorbAck(req) {
		return nil
	}

	if method == parser.MethodINVITE {
		if err := tx.Respond(parser.StatusTrying, ""); err != nil {
			return fmt.Errorf("failed to send 100 Trying: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	rewrite.StripTopRoute(req)
	e.rewriter.AddVia(req)
	e.rewriter.AddRecordRoute(req)

	req.Lock()
	identity := req.ToAddress()
	req.Unlock()

	err := e.forward(ctx, req, identity)
	if err == nil {
		return nil
	}

	e.rewriter.RemoveVia(req)
	if errors.Is(err, resolver.ErrUserNotFound) {
		e.stats.IncUserNotFound()
		if method == parser.MethodINVITE {
			e.logger.Info("Callee not found", logging.UserField(identity))
			return ignoreSuppressed(tx.Respond(parser.StatusNotFound, err.Error()))
		}
	}
	return err
}

// absorbAck ends the transaction of an ACK that belongs to a final response
// this node generated, and reports whether the ACK stops here
func (e *Engine) absorbAck(ack *parser.SIPMessage) bool {
	if st := e.transactions.FindTransaction(ack); st != nil && st.GetState() == transaction.StateCompleted {
		e.transactions.Terminate(ack)
		return true
	}
	if ack.ToTag() == "" {
		e.transactions.Terminate(ack)
		return true
	}
	return false
}

// HandleResponse forwards a response from a local user agent to the pipe of
// the From identity, after taking our Via off it
func (e *Engine) HandleResponse(ctx context.Context, resp *parser.SIPMessage) error {
	e.rewriter.RemoveVia(resp)

	identity := resp.FromAddress()
	if err := e.forward(ctx, resp, identity); err != nil {
		if errors.Is(err, resolver.ErrUserNotFound) {
			e.stats.IncUserNotFound()
		}
		return err
	}
	return nil
}

func (e *Engine) forward(ctx context.Context, msg *parser.SIPMessage, identity string) error {
	if err := e.media.BeforeSendToOverlay(msg); err != nil {
		return fmt.Errorf("media processing failed: %w", err)
	}

	pipe, err := e.resolver.Resolve(ctx, identity, true)
	if err != nil {
		return err
	}

	msg.Lock()
	data, err := e.parser.Serialize(msg)
	msg.Unlock()
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	if err := pipe.Send(ctx, overlay.NewEnvelope(overlay.ElementSIP, data)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to send to %s: %w", identity, err)
	}

	e.logger.Debug("Forwarded to overlay",
		logging.FirstLineField(msg.FirstLine()),
		logging.UserField(identity),
		logging.StringField("peer", pipe.Descriptor().Peer))
	e.media.AfterSentToOverlay(msg, pipe)
	return nil
}

func ignoreSuppressed(err error) error {
	if errors.Is(err, transaction.ErrSuppressed) {
		return nil
	}
	return err
}
