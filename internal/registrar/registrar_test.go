package registrar

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zurustar/p2pregistrar/internal/account"
	"github.com/zurustar/p2pregistrar/internal/metrics"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/overlay/memory"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/registry"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

const alice = "sip:alice@p2p.org"

type capture struct {
	mu        sync.Mutex
	responses []*parser.SIPMessage
	onSend    func(resp *parser.SIPMessage)
}

func (c *capture) Send(msg *parser.SIPMessage) error {
	if c.onSend != nil {
		c.onSend(msg)
	}
	c.mu.Lock()
	c.responses = append(c.responses, msg)
	c.mu.Unlock()
	return nil
}

func (c *capture) codes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := make([]int, len(c.responses))
	for i, r := range c.responses {
		codes[i] = r.GetStatusCode()
	}
	return codes
}

func (c *capture) last() *parser.SIPMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responses[len(c.responses)-1]
}

type fixture struct {
	registrar *Registrar
	registry  *registry.Registry
	node      *memory.Node
	stats     *metrics.Stats
}

func newFixture(t *testing.T, accounts account.Checker) *fixture {
	t.Helper()
	node := memory.NewHub(nil).NewNode("local")
	t.Cleanup(func() { _ = node.Close() })

	reg := registry.New(node, nil, nil)
	reg.SetInboundHandler(overlay.InboundHandlerFunc(func(ctx context.Context, env *overlay.Envelope) {}))
	stats := metrics.NewStats(reg.Keys)
	return &fixture{
		registrar: NewRegistrar(reg, accounts, stats, nil),
		registry:  reg,
		node:      node,
		stats:     stats,
	}
}

var cseq = 0

func register(contact string, headers ...string) *parser.SIPMessage {
	cseq++
	msg := parser.NewRequestMessage(parser.MethodREGISTER, "sip:p2p.org")
	msg.AddHeader(parser.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5062;branch=z9hG4bKreg"+strconv.Itoa(cseq))
	msg.AddHeader(parser.HeaderFrom, "\"Alice\" <sip:alice@p2p.org>;tag=a1")
	msg.AddHeader(parser.HeaderTo, "<sip:alice@p2p.org>")
	msg.AddHeader(parser.HeaderCallID, "reg-call")
	msg.AddHeader(parser.HeaderCSeq, strconv.Itoa(cseq)+" REGISTER")
	if contact != "" {
		msg.AddHeader(parser.HeaderContact, contact)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		msg.AddHeader(headers[i], headers[i+1])
	}
	return msg
}

func (f *fixture) handle(t *testing.T, ctx context.Context, req *parser.SIPMessage, sent *capture) error {
	t.Helper()
	return f.registrar.HandleRegister(ctx, transaction.NewServerTransaction(req, sent, time.Now()))
}

func TestRegisterNewAccount(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	sent := &capture{}

	require.NoError(t, f.handle(t, context.Background(), register("<sip:alice@10.0.0.1:5062>"), sent))

	assert.Equal(t, []int{100, 200}, sent.codes())
	ok := sent.last()
	assert.Equal(t, "<sip:alice@10.0.0.1:5062>", ok.GetHeader(parser.HeaderContact))
	assert.Equal(t, "3600", ok.GetHeader(parser.HeaderExpires))
	assert.Equal(t, int64(1), f.stats.Successful())

	reg, found := f.registry.Get(alice)
	require.True(t, found)
	assert.Equal(t, "sip:alice@10.0.0.1:5062", reg.Contact)

	f.node.WaitPublished()
	_, err := f.node.Lookup(context.Background(), alice, false)
	assert.NoError(t, err, "registration is advertised on the overlay")
}

func TestRegisterIdempotent(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	ctx := context.Background()

	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>", parser.HeaderExpires, "600"), &capture{}))
	first, _ := f.registry.Get(alice)

	sent := &capture{}
	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>", parser.HeaderExpires, "600"), sent))
	second, _ := f.registry.Get(alice)

	assert.Equal(t, []string{alice}, f.registry.Keys())
	assert.Same(t, first.Resource, second.Resource)
	assert.Equal(t, "600", sent.last().GetHeader(parser.HeaderExpires))
	assert.Equal(t, int64(2), f.stats.Successful())
}

func TestRegisterUnknownAccount(t *testing.T) {
	f := newFixture(t, account.NewStatic(false, "sip:bob@p2p.org"))
	sent := &capture{}

	require.NoError(t, f.handle(t, context.Background(), register("<sip:alice@10.0.0.1:5062>"), sent))

	assert.Equal(t, []int{100, 404}, sent.codes())
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, int64(1), f.stats.Refused())
	assert.Equal(t, int64(1), f.stats.UserNotFoundAtRegistration())
	assert.Equal(t, int64(0), f.stats.Successful())
}

func TestRegisterExpiresZeroRemovesAfterAnswer(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	ctx := context.Background()
	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>"), &capture{}))

	var registeredWhenAnswered bool
	sent := &capture{onSend: func(resp *parser.SIPMessage) {
		if resp.GetStatusCode() == parser.StatusOK {
			_, registeredWhenAnswered = f.registry.Get(alice)
		}
	}}
	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>", parser.HeaderExpires, "0"), sent))

	assert.Equal(t, []int{100, 200}, sent.codes())
	assert.Equal(t, "0", sent.last().GetHeader(parser.HeaderExpires))
	assert.Equal(t, "<sip:alice@10.0.0.1:5062>", sent.last().GetHeader(parser.HeaderContact))
	assert.True(t, registeredWhenAnswered, "the binding is removed only after responding")

	_, found := f.registry.Get(alice)
	assert.False(t, found)
	assert.Equal(t, int64(1), f.stats.Unregistration())
}

func TestRegisterExpiresZeroKeepsConcurrentRefresh(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	ctx := context.Background()
	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>"), &capture{}))

	// a refresh from another device arrives while the unregistration is answered
	sent := &capture{onSend: func(resp *parser.SIPMessage) {
		if resp.GetStatusCode() == parser.StatusOK {
			_, err := f.registry.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.9:5062", 120, account.NewStatic(true))
			require.NoError(t, err)
		}
	}}
	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>", parser.HeaderExpires, "0"), sent))

	reg, found := f.registry.Get(alice)
	require.True(t, found, "the newer refresh survives")
	assert.Equal(t, "sip:alice@10.0.0.9:5062", reg.Contact)
	assert.Equal(t, 120, reg.ExpiresSeconds())
	assert.Equal(t, int64(0), f.stats.Unregistration())
}

func TestRegisterExpiresFromContactParam(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	sent := &capture{}

	require.NoError(t, f.handle(t, context.Background(), register("<sip:alice@10.0.0.1:5062>;expires=120"), sent))

	assert.Equal(t, "120", sent.last().GetHeader(parser.HeaderExpires))
	reg, _ := f.registry.Get(alice)
	assert.Equal(t, 2*time.Minute, reg.Expiration)
}

func TestRegisterInvalidExpires(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	sent := &capture{}

	require.NoError(t, f.handle(t, context.Background(), register("<sip:alice@10.0.0.1:5062>", parser.HeaderExpires, "soon"), sent))

	assert.Equal(t, []int{100, 400}, sent.codes())
	assert.Equal(t, 0, f.registry.Count())
}

func TestRegisterQuery(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	ctx := context.Background()

	sent := &capture{}
	require.NoError(t, f.handle(t, ctx, register(""), sent))
	assert.Equal(t, []int{100, 200}, sent.codes())
	assert.Empty(t, sent.last().GetHeader(parser.HeaderContact))

	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>", parser.HeaderExpires, "300"), &capture{}))

	sent = &capture{}
	require.NoError(t, f.handle(t, ctx, register(""), sent))
	assert.Equal(t, "<sip:alice@10.0.0.1:5062>", sent.last().GetHeader(parser.HeaderContact))
	assert.Equal(t, "300", sent.last().GetHeader(parser.HeaderExpires))
}

func TestRegisterWildcard(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	ctx := context.Background()
	require.NoError(t, f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>"), &capture{}))

	sent := &capture{}
	require.NoError(t, f.handle(t, ctx, register("*"), sent))
	assert.Equal(t, []int{100, 400}, sent.codes(), "wildcard needs Expires 0")

	sent = &capture{}
	require.NoError(t, f.handle(t, ctx, register("*", parser.HeaderExpires, "0"), sent))
	assert.Equal(t, []int{100, 200}, sent.codes())
	assert.Equal(t, 0, f.registry.Count())
	assert.Equal(t, int64(1), f.stats.Unregistration())
}

func TestRegisterCancelled(t *testing.T) {
	f := newFixture(t, account.NewStatic(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent := &capture{}
	err := f.handle(t, ctx, register("<sip:alice@10.0.0.1:5062>"), sent)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{100}, sent.codes())
	assert.Equal(t, 0, f.registry.Count())
}
