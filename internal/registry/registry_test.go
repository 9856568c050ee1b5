package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zurustar/p2pregistrar/internal/account"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/overlay/memory"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/transaction"
)

const alice = "sip:alice@p2p.org"

type countingNetwork struct {
	overlay.Network
	created atomic.Int32
}

func (n *countingNetwork) NewResource(identity string, handler overlay.InboundHandler) (overlay.Resource, error) {
	n.created.Add(1)
	return n.Network.NewResource(identity, handler)
}

func newRegistry(t *testing.T) (*Registry, *memory.Node, *countingNetwork, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	hub := memory.NewHub(clk)
	node := hub.NewNode("local")
	network := &countingNetwork{Network: node}
	reg := New(network, clk, nil)
	reg.SetInboundHandler(overlay.InboundHandlerFunc(func(ctx context.Context, env *overlay.Envelope) {}))
	return reg, node, network, clk
}

func TestUpsertCreatesAndPublishes(t *testing.T) {
	reg, node, _, clk := newRegistry(t)
	ctx := context.Background()

	r, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1:5060", NoExpires, account.NewStatic(true))
	require.NoError(t, err)
	assert.Equal(t, DefaultExpiration, r.Expiration)
	assert.Equal(t, 3600, r.ExpiresSeconds())
	assert.Equal(t, clk.Now(), r.RegisteredAt)
	require.NotNil(t, r.Resource)

	node.WaitPublished()
	d, err := node.Lookup(ctx, alice, false)
	require.NoError(t, err)
	assert.Equal(t, r.Resource.Descriptor().Channel, d.Channel)
	assert.Equal(t, clk.Now().Add(time.Hour), d.ExpiresAt)
}

func TestUpsertIdempotent(t *testing.T) {
	reg, _, network, clk := newRegistry(t)
	ctx := context.Background()
	check := account.NewStatic(true)

	first, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 600, check)
	require.NoError(t, err)

	clk.Add(time.Minute)
	second, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.2", 600, check)
	require.NoError(t, err)

	assert.Equal(t, int32(1), network.created.Load(), "resource is created once per AOR")
	assert.Same(t, first.Resource, second.Resource)
	assert.Equal(t, "sip:alice@10.0.0.2", second.Contact)
	assert.Equal(t, clk.Now(), second.RegisteredAt)
	assert.Equal(t, []string{alice}, reg.Keys())
}

func TestUpsertRefusesInvalidAccount(t *testing.T) {
	reg, _, network, _ := newRegistry(t)

	_, err := reg.UpsertOnRegister(context.Background(), alice, "sip:alice@10.0.0.1", 60, account.NewStatic(false))
	assert.ErrorIs(t, err, ErrAccountInvalid)

	_, ok := reg.Get(alice)
	assert.False(t, ok)
	assert.Equal(t, int32(0), network.created.Load())
}

func TestUpsertSkipsCheckForExisting(t *testing.T) {
	reg, _, _, _ := newRegistry(t)
	ctx := context.Background()

	var checks atomic.Int32
	check := account.CheckerFunc(func(ctx context.Context, aor string) (bool, error) {
		checks.Add(1)
		return true, nil
	})

	_, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 60, check)
	require.NoError(t, err)
	_, err = reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 60, check)
	require.NoError(t, err)
	assert.Equal(t, int32(1), checks.Load())
}

func TestUpsertCheckError(t *testing.T) {
	reg, _, _, _ := newRegistry(t)
	boom := errors.New("directory down")

	_, err := reg.UpsertOnRegister(context.Background(), alice, "sip:alice@10.0.0.1", 60,
		account.CheckerFunc(func(ctx context.Context, aor string) (bool, error) { return false, boom }))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAccountInvalid)
}

func TestExpiresZero(t *testing.T) {
	reg, node, _, _ := newRegistry(t)
	ctx := context.Background()
	check := account.NewStatic(true)

	_, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 60, check)
	require.NoError(t, err)
	node.WaitPublished()

	r, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 0, check)
	require.NoError(t, err)
	assert.Equal(t, 0, r.ExpiresSeconds())

	assert.True(t, reg.Remove(alice))
	assert.False(t, reg.Remove(alice))
	_, ok := reg.Get(alice)
	assert.False(t, ok)

	_, err = node.Lookup(ctx, alice, false)
	assert.ErrorIs(t, err, overlay.ErrAdvertisementNotFound, "removal withdraws the advertisement")
}

func TestRemoveUnregisteredKeepsRefresh(t *testing.T) {
	reg, node, _, _ := newRegistry(t)
	ctx := context.Background()
	check := account.NewStatic(true)

	_, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 60, check)
	require.NoError(t, err)
	r, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 0, check)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), r.Expiration)

	// a refresh lands before the unregistration is applied
	_, err = reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.2", 60, check)
	require.NoError(t, err)
	node.WaitPublished()

	assert.False(t, reg.RemoveUnregistered(alice))
	current, ok := reg.Get(alice)
	require.True(t, ok)
	assert.Equal(t, "sip:alice@10.0.0.2", current.Contact)
	assert.Equal(t, 60, current.ExpiresSeconds())

	_, err = node.Lookup(ctx, alice, false)
	assert.NoError(t, err, "the refreshed advertisement stays published")
}

func TestRemoveUnregistered(t *testing.T) {
	reg, node, _, _ := newRegistry(t)
	ctx := context.Background()
	check := account.NewStatic(true)

	_, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 60, check)
	require.NoError(t, err)
	_, err = reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 0, check)
	require.NoError(t, err)
	node.WaitPublished()

	assert.True(t, reg.RemoveUnregistered(alice))
	assert.False(t, reg.RemoveUnregistered(alice))
	assert.Equal(t, 0, reg.Count())
}

func TestExpiresZeroOnNewAOR(t *testing.T) {
	reg, _, network, _ := newRegistry(t)

	r, err := reg.UpsertOnRegister(context.Background(), alice, "sip:alice@10.0.0.1", 0, account.NewStatic(true))
	require.NoError(t, err)
	assert.Equal(t, 0, r.ExpiresSeconds())
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, int32(0), network.created.Load())
}

func TestSweep(t *testing.T) {
	reg, _, _, clk := newRegistry(t)
	ctx := context.Background()
	check := account.NewStatic(true)

	_, err := reg.UpsertOnRegister(ctx, alice, "sip:alice@10.0.0.1", 30, check)
	require.NoError(t, err)
	_, err = reg.UpsertOnRegister(ctx, "sip:bob@p2p.org", "sip:bob@10.0.0.2", 120, check)
	require.NoError(t, err)

	clk.Add(29 * time.Second)
	assert.Empty(t, reg.Sweep())

	clk.Add(time.Second)
	assert.Equal(t, []string{alice}, reg.Sweep())
	assert.Equal(t, []string{"sip:bob@p2p.org"}, reg.Keys())
}

func TestBindMediaRelay(t *testing.T) {
	reg, _, _, _ := newRegistry(t)

	assert.False(t, reg.BindMediaRelay(alice, "audio", "10.0.0.1:4000"))

	_, err := reg.UpsertOnRegister(context.Background(), alice, "sip:alice@10.0.0.1", 60, account.NewStatic(true))
	require.NoError(t, err)
	assert.True(t, reg.BindMediaRelay(alice, "audio", "10.0.0.1:4000"))

	r, _ := reg.Get(alice)
	assert.Equal(t, map[string]string{"audio": "10.0.0.1:4000"}, r.MediaRelayBindings)

	r.MediaRelayBindings["video"] = "changed"
	again, _ := reg.Get(alice)
	assert.NotContains(t, again.MediaRelayBindings, "video", "Get returns a copy")
}

func TestConcurrentFirstRegistration(t *testing.T) {
	reg, _, network, _ := newRegistry(t)
	check := account.NewStatic(true)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.UpsertOnRegister(context.Background(), alice, "sip:alice@10.0.0.1", 60, check)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), network.created.Load())
}

func newInvite(callID string) *parser.SIPMessage {
	msg := parser.NewRequestMessage(parser.MethodINVITE, "sip:bob@p2p.org")
	msg.AddHeader(parser.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK-"+callID)
	msg.AddHeader(parser.HeaderFrom, "<sip:alice@p2p.org>;tag=1")
	msg.AddHeader(parser.HeaderTo, "<sip:bob@p2p.org>")
	msg.AddHeader(parser.HeaderCallID, callID)
	msg.AddHeader(parser.HeaderCSeq, "1 INVITE")
	return msg
}

type sentLog struct {
	mu    sync.Mutex
	codes []int
}

func (s *sentLog) Send(msg *parser.SIPMessage) error {
	s.mu.Lock()
	s.codes = append(s.codes, msg.GetStatusCode())
	s.mu.Unlock()
	return nil
}

func TestPendingLifecycle(t *testing.T) {
	reg, _, _, _ := newRegistry(t)

	st := transaction.NewServerTransaction(newInvite("c1"), &sentLog{}, time.Now())
	cancelled := false
	p := NewPendingTransaction(st, func() { cancelled = true })
	reg.Track(p)
	assert.True(t, reg.IsPending("c1"))

	got, ok := reg.Cancel("c1")
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.True(t, cancelled)
	assert.False(t, reg.IsPending("c1"))

	assert.False(t, reg.Complete(p), "a cancelled entry is already gone")
	_, ok = reg.Cancel("c1")
	assert.False(t, ok)
}

func TestPendingLastWriterWins(t *testing.T) {
	reg, _, _, _ := newRegistry(t)

	older := NewPendingTransaction(transaction.NewServerTransaction(newInvite("c2"), &sentLog{}, time.Now()), nil)
	newer := NewPendingTransaction(transaction.NewServerTransaction(newInvite("c2"), &sentLog{}, time.Now()), nil)
	reg.Track(older)
	reg.Track(newer)

	assert.False(t, reg.Complete(older), "superseded task must not remove the newer entry")
	assert.True(t, reg.IsPending("c2"))
	assert.True(t, reg.Complete(newer))
	assert.Equal(t, 0, reg.PendingCount())
}

func TestGateAllowsOneFinalResponse(t *testing.T) {
	reg, _, _, _ := newRegistry(t)
	sent := &sentLog{}

	st := transaction.NewServerTransaction(newInvite("c3"), sent, time.Now())
	p := NewPendingTransaction(st, nil)
	st.SetGate(reg.Gate(p))
	reg.Track(p)

	require.NoError(t, st.Respond(parser.StatusTrying, ""))
	require.NoError(t, st.Respond(parser.StatusNotFound, ""))
	assert.False(t, reg.IsPending("c3"))
	assert.ErrorIs(t, st.Respond(parser.StatusServerInternalError, ""), transaction.ErrSuppressed)
	assert.Equal(t, []int{100, 404}, sent.codes)
}

func TestGateSuppressesAfterCancel(t *testing.T) {
	reg, _, _, _ := newRegistry(t)
	sent := &sentLog{}

	st := transaction.NewServerTransaction(newInvite("c4"), sent, time.Now())
	p := NewPendingTransaction(st, nil)
	st.SetGate(reg.Gate(p))
	reg.Track(p)

	_, ok := reg.Cancel("c4")
	require.True(t, ok)
	require.NoError(t, st.Settle(parser.StatusRequestTerminated, ""))

	assert.ErrorIs(t, st.Respond(parser.StatusNotFound, ""), transaction.ErrSuppressed)
	assert.Equal(t, []int{487}, sent.codes)
}
