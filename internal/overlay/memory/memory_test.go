package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zurustar/p2pregistrar/internal/overlay"
)

type collector struct {
	mu       sync.Mutex
	payloads []string
}

func (c *collector) HandleEnvelope(ctx context.Context, env *overlay.Envelope) {
	payload, _ := env.Element(overlay.ElementSIP)
	c.mu.Lock()
	c.payloads = append(c.payloads, string(payload))
	c.mu.Unlock()
}

func publish(t *testing.T, node *Node, identity string, handler overlay.InboundHandler, expiration time.Duration) overlay.Resource {
	t.Helper()
	res, err := node.NewResource(identity, handler)
	require.NoError(t, err)
	res.Publish(expiration)
	node.WaitPublished()
	return res
}

func TestLookupOpenSend(t *testing.T) {
	hub := NewHub(nil)
	a, b := hub.NewNode("a"), hub.NewNode("b")
	ctx := context.Background()

	inbox := &collector{}
	res := publish(t, b, "sip:bob@p2p.org", inbox, time.Hour)

	d, err := a.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)
	assert.Equal(t, res.Descriptor().Channel, d.Channel)
	assert.Equal(t, "b", d.Peer)

	p, err := a.Open(ctx, d)
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, overlay.NewEnvelope(overlay.ElementSIP, []byte("hello"))))

	assert.Equal(t, []string{"hello"}, inbox.payloads)
	assert.Equal(t, int64(1), a.LocalLookups())
	assert.Equal(t, int64(0), a.RemoteLookups())
	assert.Equal(t, int64(1), a.Opens())
}

func TestLookupNotFound(t *testing.T) {
	hub := NewHub(nil)
	node := hub.NewNode("a")

	_, err := node.Lookup(context.Background(), "sip:ghost@p2p.org", true)
	assert.ErrorIs(t, err, overlay.ErrAdvertisementNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = node.Lookup(ctx, "sip:ghost@p2p.org", false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdvertisementExpires(t *testing.T) {
	mock := clock.NewMock()
	hub := NewHub(mock)
	a, b := hub.NewNode("a"), hub.NewNode("b")

	publish(t, b, "sip:bob@p2p.org", &collector{}, time.Minute)

	_, err := a.Lookup(context.Background(), "sip:bob@p2p.org", false)
	require.NoError(t, err)

	mock.Add(time.Minute)
	_, err = a.Lookup(context.Background(), "sip:bob@p2p.org", false)
	assert.ErrorIs(t, err, overlay.ErrAdvertisementNotFound)
}

func TestStaleCacheAndInvalidate(t *testing.T) {
	hub := NewHub(nil)
	a, b := hub.NewNode("a"), hub.NewNode("b")
	ctx := context.Background()

	old := publish(t, b, "sip:bob@p2p.org", &collector{}, time.Hour)
	stale, err := a.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)

	// bob moves: old presence closes, a new one is published
	require.NoError(t, old.Close())
	fresh := publish(t, b, "sip:bob@p2p.org", &collector{}, time.Hour)

	cached, err := a.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)
	assert.Equal(t, stale.Channel, cached.Channel, "preferLocal serves the cache")

	_, err = a.Open(ctx, cached)
	assert.ErrorIs(t, err, overlay.ErrPipeUnavailable)

	a.Invalidate(cached)
	d, err := a.Lookup(ctx, "sip:bob@p2p.org", false)
	require.NoError(t, err)
	assert.Equal(t, fresh.Descriptor().Channel, d.Channel)
	_, err = a.Open(ctx, d)
	assert.NoError(t, err)
}

func TestFailNextOpens(t *testing.T) {
	hub := NewHub(nil)
	a, b := hub.NewNode("a"), hub.NewNode("b")
	ctx := context.Background()
	publish(t, b, "sip:bob@p2p.org", &collector{}, time.Hour)

	d, err := a.Lookup(ctx, "sip:bob@p2p.org", false)
	require.NoError(t, err)

	a.FailNextOpens(1)
	_, err = a.Open(ctx, d)
	assert.True(t, errors.Is(err, overlay.ErrPipeUnavailable))
	_, err = a.Open(ctx, d)
	assert.NoError(t, err)
}

func TestClosedResourceStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	a, b := hub.NewNode("a"), hub.NewNode("b")
	ctx := context.Background()

	res := publish(t, b, "sip:bob@p2p.org", &collector{}, time.Hour)
	d, _ := a.Lookup(ctx, "sip:bob@p2p.org", false)
	p, err := a.Open(ctx, d)
	require.NoError(t, err)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
	assert.ErrorIs(t, p.Send(ctx, overlay.NewEnvelope(overlay.ElementSIP, nil)), overlay.ErrPipeUnavailable)

	// publishing after close is ignored
	res.Publish(time.Hour)
	b.WaitPublished()
	_, err = a.Lookup(ctx, "sip:bob@p2p.org", false)
	assert.ErrorIs(t, err, overlay.ErrAdvertisementNotFound)

	require.NoError(t, b.Close())
	_, err = b.NewResource("sip:carol@p2p.org", &collector{})
	assert.ErrorIs(t, err, overlay.ErrClosed)
}
