// Package dispatch is the registrar's intake. Every message from the local
// transport becomes one cancellable task on a fixed worker pool; INVITEs are
// tracked by Call-ID so a CANCEL can stop them. Messages arriving from the
// overlay are delivered to local user agents here as well.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/media"
	"github.com/zurustar/p2pregistrar/internal/metrics"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/registry"
	"github.com/zurustar/p2pregistrar/internal/rewrite"
	"github.com/zurustar/p2pregistrar/internal/transaction"
	"golang.org/x/sync/errgroup"
)

// ErrNotRunning is returned when messages arrive while the pool is stopped
var ErrNotRunning = errors.New("dispatcher is not running")

// Config sizes the worker pool
type Config struct {
	Workers   int
	QueueSize int
}

// Dispatcher routes messages to the registrar and the proxy
type Dispatcher struct {
	registry     *registry.Registry
	transactions *transaction.Manager
	registrar    Registrar
	proxy        Proxy
	rewriter     *rewrite.Rewriter
	media        media.Processor
	sender       transaction.Sender
	parser       parser.MessageParser
	stats        *metrics.Stats
	logger       logging.Logger
	config       Config

	mu      sync.RWMutex
	running bool
	tasks   chan *task
	cancel  context.CancelFunc
	group   *errgroup.Group
	ctx     context.Context
}

type task struct {
	ctx     context.Context
	cancel  context.CancelFunc
	msg     *parser.SIPMessage
	tx      *transaction.ServerTransaction
	pending *registry.PendingTransaction
}

// Deps are the collaborators of a Dispatcher
type Deps struct {
	Registry     *registry.Registry
	Transactions *transaction.Manager
	Registrar    Registrar
	Proxy        Proxy
	Rewriter     *rewrite.Rewriter
	Media        media.Processor
	Sender       transaction.Sender
	Parser       parser.MessageParser
	Stats        *metrics.Stats
	Logger       logging.Logger
}

// New creates a stopped dispatcher
func New(deps Deps, config Config) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 16
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if deps.Media == nil {
		deps.Media = media.Nop{}
	}
	if deps.Parser == nil {
		deps.Parser = parser.NewParser()
	}
	if deps.Stats == nil {
		deps.Stats = metrics.NewStats(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	return &Dispatcher{
		registry:     deps.Registry,
		transactions: deps.Transactions,
		registrar:    deps.Registrar,
		proxy:        deps.Proxy,
		rewriter:     deps.Rewriter,
		media:        deps.Media,
		sender:       deps.Sender,
		parser:       deps.Parser,
		stats:        deps.Stats,
		logger:       deps.Logger,
		config:       config,
	}
}

// Start launches the worker pool. Tasks are cancelled when ctx is done or
// Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("dispatcher already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	tasks := make(chan *task, d.config.QueueSize)
	for i := 0; i < d.config.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case t := <-tasks:
					d.run(t)
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	d.ctx = gctx
	d.cancel = cancel
	d.group = group
	d.tasks = tasks
	d.running = true
	return nil
}

// Stop cancels outstanding tasks and waits for the workers
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	group := d.group
	d.mu.Unlock()

	return group.Wait()
}

// HandleMessage parses a datagram from the local transport and dispatches it
func (d *Dispatcher) HandleMessage(data []byte, transport string, addr net.Addr) error {
	msg, err := d.parser.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}
	if err := d.parser.Validate(msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	msg.Transport = transport
	msg.Source = addr
	return d.Dispatch(msg)
}

// Dispatch decides what happens to msg. A CANCEL for a pending INVITE is
// settled on the spot; everything else is queued as a task. INVITEs are
// tracked before they are queued so a CANCEL can never miss them.
func (d *Dispatcher) Dispatch(msg *parser.SIPMessage) error {
	d.mu.RLock()
	running, root, tasks := d.running, d.ctx, d.tasks
	d.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}

	logger := d.logger.With(
		logging.FirstLineField(msg.FirstLine()),
		logging.CallIDField(msg.CallID()))
	logger.Debug("Message received")

	method := msg.GetMethod()
	if method == parser.MethodCANCEL {
		if p, ok := d.registry.Cancel(msg.CallID()); ok {
			d.cancelPending(msg, p, logger)
			return nil
		}
	}

	t := &task{msg: msg}
	t.ctx, t.cancel = context.WithCancel(root)

	if msg.IsRequest() {
		if method == parser.MethodACK {
			t.tx = d.transactions.Transient(msg)
		} else {
			st, isNew := d.transactions.Begin(msg)
			if !isNew {
				t.cancel()
				logger.Debug("Retransmission absorbed")
				return nil
			}
			t.tx = st
		}
		if method == parser.MethodINVITE {
			t.pending = registry.NewPendingTransaction(t.tx, t.cancel)
			t.tx.SetGate(d.registry.Gate(t.pending))
			d.registry.Track(t.pending)
		}
	}

	select {
	case tasks <- t:
		return nil
	case <-root.Done():
		t.cancel()
		if t.pending != nil {
			d.registry.Complete(t.pending)
		}
		return ErrNotRunning
	}
}

// cancelPending stops the task of p and answers both the CANCEL and the
// request it cancels
func (d *Dispatcher) cancelPending(cancel *parser.SIPMessage, p *registry.PendingTransaction, logger logging.Logger) {
	d.rewriter.RemoveVia(p.Request)
	d.answerCancelled(cancel, p, logger)
}

// answerCancelled sends 200 to the CANCEL and 487 to the cancelled request.
// The task may still add our Via after cancelPending removed it, so the 487
// drops it as well.
func (d *Dispatcher) answerCancelled(cancel *parser.SIPMessage, p *registry.PendingTransaction, logger logging.Logger) {
	st, _ := d.transactions.Begin(cancel)
	if err := st.Respond(parser.StatusOK, ""); err != nil {
		logger.Warn("Failed to answer CANCEL", logging.ErrorField(err))
	}
	err := p.Transaction.Settle(parser.StatusRequestTerminated, "", func(resp *parser.SIPMessage) {
		d.rewriter.RemoveVia(resp)
	})
	if err != nil {
		logger.Warn("Failed to answer cancelled request", logging.ErrorField(err))
	}
	logger.Info("Request cancelled")
}

func (d *Dispatcher) run(t *task) {
	defer t.cancel()
	if t.pending != nil {
		defer d.registry.Complete(t.pending)
	}

	logger := d.logger.With(
		logging.FirstLineField(t.msg.FirstLine()),
		logging.CallIDField(t.msg.CallID()))

	err := d.process(t)
	switch {
	case err == nil:
	case t.ctx.Err() != nil || errors.Is(err, context.Canceled):
		logger.Info("Task cancelled", logging.ErrorField(err))
	case t.msg.IsResponse():
		logger.Warn("Response dropped", logging.ErrorField(err))
	default:
		logger.Error("Request processing failed", logging.ErrorField(err))
		d.internalError(t, err, logger)
	}
}

func (d *Dispatcher) process(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch {
	case t.msg.IsResponse():
		return d.proxy.HandleResponse(t.ctx, t.msg)
	case t.msg.GetMethod() == parser.MethodREGISTER:
		return d.registrar.HandleRegister(t.ctx, t.tx)
	default:
		return d.proxy.HandleRequest(t.ctx, t.tx)
	}
}

// internalError answers a failed request with 500 carrying the failure.
// ACKs are never answered and a request already settled stays settled.
func (d *Dispatcher) internalError(t *task, cause error, logger logging.Logger) {
	if t.tx == nil || t.msg.GetMethod() == parser.MethodACK {
		return
	}
	reason := strings.Join(strings.Fields(cause.Error()), " ")
	err := t.tx.Respond(parser.StatusServerInternalError, reason)
	if err != nil && !errors.Is(err, transaction.ErrSuppressed) {
		logger.Warn("Failed to send 500", logging.ErrorField(err))
	}
}

// Pending reports how many INVITEs are currently tracked
func (d *Dispatcher) Pending() int {
	return d.registry.PendingCount()
}
