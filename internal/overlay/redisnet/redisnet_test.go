package redisnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zurustar/p2pregistrar/internal/overlay"
)

type inbox struct {
	mu       sync.Mutex
	payloads []string
}

func (i *inbox) HandleEnvelope(ctx context.Context, env *overlay.Envelope) {
	payload, _ := env.Element(overlay.ElementSIP)
	i.mu.Lock()
	i.payloads = append(i.payloads, string(payload))
	i.mu.Unlock()
}

func (i *inbox) received() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.payloads...)
}

func newNetwork(t *testing.T, mr *miniredis.Miniredis, peer string) *Network {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	n, err := New(rdb, Options{KeyPrefix: "test:", CacheSize: 16, Peer: peer})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPublishLookupSend(t *testing.T) {
	mr := miniredis.RunT(t)
	alice, bob := newNetwork(t, mr, "registrar-a"), newNetwork(t, mr, "registrar-b")
	ctx := context.Background()

	box := &inbox{}
	res, err := bob.NewResource("sip:bob@p2p.org", box)
	require.NoError(t, err)
	res.Publish(time.Hour)
	bob.WaitPublished()

	assert.True(t, mr.Exists("test:adv:sip:bob@p2p.org"))
	assert.Equal(t, time.Hour, mr.TTL("test:adv:sip:bob@p2p.org"))

	d, err := alice.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)
	assert.Equal(t, res.Descriptor().Channel, d.Channel)
	assert.Equal(t, "registrar-b", d.Peer)

	p, err := alice.Open(ctx, d)
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, overlay.NewEnvelope(overlay.ElementSIP, []byte("INVITE"))))

	require.Eventually(t, func() bool {
		return len(box.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"INVITE"}, box.received())
}

func TestLookupNotFound(t *testing.T) {
	mr := miniredis.RunT(t)
	n := newNetwork(t, mr, "a")

	_, err := n.Lookup(context.Background(), "sip:ghost@p2p.org", false)
	assert.ErrorIs(t, err, overlay.ErrAdvertisementNotFound)
}

func TestAdvertisementTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newNetwork(t, mr, "a"), newNetwork(t, mr, "b")

	res, err := b.NewResource("sip:bob@p2p.org", &inbox{})
	require.NoError(t, err)
	res.Publish(30 * time.Second)
	b.WaitPublished()

	mr.FastForward(31 * time.Second)
	_, err = a.Lookup(context.Background(), "sip:bob@p2p.org", false)
	assert.ErrorIs(t, err, overlay.ErrAdvertisementNotFound)
}

func TestStaleCacheIsDetectedOnOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newNetwork(t, mr, "a"), newNetwork(t, mr, "b")
	ctx := context.Background()

	old, err := b.NewResource("sip:bob@p2p.org", &inbox{})
	require.NoError(t, err)
	old.Publish(time.Hour)
	b.WaitPublished()

	stale, err := a.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)

	require.NoError(t, old.Close())
	assert.False(t, mr.Exists("test:adv:sip:bob@p2p.org"), "closing withdraws the advertisement")

	fresh, err := b.NewResource("sip:bob@p2p.org", &inbox{})
	require.NoError(t, err)
	fresh.Publish(time.Hour)
	b.WaitPublished()

	cached, err := a.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)
	assert.Equal(t, stale.Channel, cached.Channel)

	// the server drops the old subscription once it notices the closed connection
	require.Eventually(t, func() bool {
		_, err := a.Open(ctx, cached)
		return errors.Is(err, overlay.ErrPipeUnavailable)
	}, 2*time.Second, 10*time.Millisecond)

	a.Invalidate(cached)
	d, err := a.Lookup(ctx, "sip:bob@p2p.org", true)
	require.NoError(t, err)
	assert.Equal(t, fresh.Descriptor().Channel, d.Channel)

	_, err = a.Open(ctx, d)
	assert.NoError(t, err)
}

func TestCloseKeepsNewerAdvertisement(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newNetwork(t, mr, "b")

	first, err := b.NewResource("sip:bob@p2p.org", &inbox{})
	require.NoError(t, err)
	first.Publish(time.Hour)
	b.WaitPublished()

	second, err := b.NewResource("sip:bob@p2p.org", &inbox{})
	require.NoError(t, err)
	second.Publish(time.Hour)
	b.WaitPublished()

	require.NoError(t, first.Close())

	d, err := b.Lookup(context.Background(), "sip:bob@p2p.org", false)
	require.NoError(t, err)
	assert.Equal(t, second.Descriptor().Channel, d.Channel)
}

func TestClosedNetworkRejectsResources(t *testing.T) {
	mr := miniredis.RunT(t)
	n := newNetwork(t, mr, "a")

	res, err := n.NewResource("sip:alice@p2p.org", &inbox{})
	require.NoError(t, err)
	res.Publish(time.Minute)

	require.NoError(t, n.Close())
	assert.False(t, mr.Exists("test:adv:sip:alice@p2p.org"))

	_, err = n.NewResource("sip:carol@p2p.org", &inbox{})
	assert.ErrorIs(t, err, overlay.ErrClosed)
	assert.NoError(t, n.Close())
}
