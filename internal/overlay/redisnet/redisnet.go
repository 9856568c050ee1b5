// Package redisnet runs the overlay on top of redis. Advertisements are CBOR
// descriptors stored with a TTL; each published identity listens on its own
// pub/sub channel, which serves as its pipe.
package redisnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"go.uber.org/multierr"
)

var _ overlay.Network = (*Network)(nil)

// Options tune a Network
type Options struct {
	KeyPrefix      string
	CacheSize      int
	PublishTimeout time.Duration
	// Peer names this node in the descriptors it publishes
	Peer   string
	Logger logging.Logger
}

// Network is an overlay.Network backed by redis
type Network struct {
	rdb       *redis.Client
	ownClient bool
	prefix    string
	peer      string
	timeout   time.Duration
	cache     *lru.Cache[string, overlay.Descriptor]
	logger    logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	resources map[*resource]struct{}

	publishing sync.WaitGroup
	listeners  sync.WaitGroup
}

// Dial connects to redis at addr and returns a Network owning the client
func Dial(ctx context.Context, addr, password string, db int, opts Options) (*Network, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	n, err := New(rdb, opts)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	n.ownClient = true
	return n, nil
}

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb *redis.Client, opts Options) (*Network, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Peer == "" {
		opts.Peer = uuid.NewString()
	}

	cache, err := lru.New[string, overlay.Descriptor](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		rdb:       rdb,
		prefix:    opts.KeyPrefix,
		peer:      opts.Peer,
		timeout:   opts.PublishTimeout,
		cache:     cache,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		resources: make(map[*resource]struct{}),
	}, nil
}

// Client exposes the redis client so other components can share it
func (n *Network) Client() *redis.Client {
	return n.rdb
}

func (n *Network) advKey(identity string) string {
	return n.prefix + "adv:" + identity
}

// Lookup implements overlay.Directory
func (n *Network) Lookup(ctx context.Context, identity string, preferLocal bool) (overlay.Descriptor, error) {
	if preferLocal {
		if d, ok := n.cache.Get(identity); ok {
			return d, nil
		}
	}

	data, err := n.rdb.Get(ctx, n.advKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return overlay.Descriptor{}, fmt.Errorf("%w: %s", overlay.ErrAdvertisementNotFound, identity)
	}
	if err != nil {
		return overlay.Descriptor{}, fmt.Errorf("advertisement lookup for %s failed: %w", identity, err)
	}

	d, err := overlay.UnmarshalDescriptor(data)
	if err != nil {
		return overlay.Descriptor{}, err
	}
	n.cache.Add(identity, d)
	return d, nil
}

// Open implements overlay.Directory. A channel nobody listens on means the
// descriptor is stale.
func (n *Network) Open(ctx context.Context, d overlay.Descriptor) (overlay.Pipe, error) {
	counts, err := n.rdb.PubSubNumSub(ctx, d.Channel).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check pipe %s: %w", d.Channel, err)
	}
	if counts[d.Channel] == 0 {
		return nil, fmt.Errorf("%w: %s", overlay.ErrPipeUnavailable, d.Channel)
	}
	return &pipe{rdb: n.rdb, descriptor: d}, nil
}

// Invalidate implements overlay.Directory
func (n *Network) Invalidate(d overlay.Descriptor) {
	if cached, ok := n.cache.Peek(d.Identity); ok && cached.Channel == d.Channel {
		n.cache.Remove(d.Identity)
	}
}

// NewResource implements overlay.Network. Nothing touches redis until the
// first Publish.
func (n *Network) NewResource(identity string, handler overlay.InboundHandler) (overlay.Resource, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, overlay.ErrClosed
	}

	r := &resource{
		net:     n,
		handler: handler,
		descriptor: overlay.Descriptor{
			Identity: identity,
			Channel:  n.prefix + "pipe:" + identity + ":" + uuid.NewString(),
			Peer:     n.peer,
		},
	}
	n.resources[r] = struct{}{}
	return r, nil
}

// WaitPublished blocks until scheduled publications have finished
func (n *Network) WaitPublished() {
	n.publishing.Wait()
}

// Close releases every resource and, when the client was dialed by this
// Network, closes it.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	resources := make([]*resource, 0, len(n.resources))
	for r := range n.resources {
		resources = append(resources, r)
	}
	n.mu.Unlock()

	n.publishing.Wait()

	var err error
	for _, r := range resources {
		err = multierr.Append(err, r.Close())
	}
	n.cancel()
	n.listeners.Wait()

	if n.ownClient {
		err = multierr.Append(err, n.rdb.Close())
	}
	return err
}

func (n *Network) forget(r *resource) {
	n.mu.Lock()
	delete(n.resources, r)
	n.mu.Unlock()
}

type pipe struct {
	rdb        *redis.Client
	descriptor overlay.Descriptor
}

func (p *pipe) Descriptor() overlay.Descriptor { return p.descriptor }

func (p *pipe) Send(ctx context.Context, env *overlay.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	receivers, err := p.rdb.Publish(ctx, p.descriptor.Channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to send on %s: %w", p.descriptor.Channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %s", overlay.ErrPipeUnavailable, p.descriptor.Channel)
	}
	return nil
}

type resource struct {
	net        *Network
	handler    overlay.InboundHandler
	descriptor overlay.Descriptor

	// latest expiration requested; publications that run late use it
	latest atomic.Int64

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

func (r *resource) Descriptor() overlay.Descriptor { return r.descriptor }

func (r *resource) Publish(expiration time.Duration) {
	r.latest.Store(int64(expiration))

	n := r.net
	n.publishing.Add(1)
	go func() {
		defer n.publishing.Done()

		ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
		defer cancel()
		if err := r.publish(ctx); err != nil && !errors.Is(err, overlay.ErrClosed) {
			n.logger.Warn("Failed to publish advertisement",
				logging.UserField(r.descriptor.Identity),
				logging.ErrorField(err))
		}
	}()
}

func (r *resource) publish(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return overlay.ErrClosed
	}

	n := r.net
	if r.pubsub == nil {
		ps := n.rdb.Subscribe(ctx, r.descriptor.Channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return fmt.Errorf("failed to listen on %s: %w", r.descriptor.Channel, err)
		}
		r.pubsub = ps
		n.listeners.Add(1)
		go r.listen(ps)
	}

	expiration := time.Duration(r.latest.Load())
	d := r.descriptor
	d.ExpiresAt = time.Now().Add(expiration)
	data, err := overlay.MarshalDescriptor(d)
	if err != nil {
		return err
	}
	return n.rdb.Set(ctx, n.advKey(d.Identity), data, expiration).Err()
}

func (r *resource) listen(ps *redis.PubSub) {
	n := r.net
	defer n.listeners.Done()

	for msg := range ps.Channel() {
		env, err := overlay.UnmarshalEnvelope([]byte(msg.Payload))
		if err != nil {
			n.logger.Warn("Discarding undecodable envelope",
				logging.StringField("channel", msg.Channel),
				logging.ErrorField(err))
			continue
		}
		r.handler.HandleEnvelope(n.ctx, env)
	}
}

func (r *resource) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps := r.pubsub
	r.mu.Unlock()

	n := r.net
	n.forget(r)

	var err error
	if ps != nil {
		err = ps.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	return multierr.Append(err, r.withdraw(ctx))
}

// withdraw deletes the advertisement unless another resource has replaced it
func (r *resource) withdraw(ctx context.Context) error {
	n := r.net
	key := n.advKey(r.descriptor.Identity)

	data, err := n.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read advertisement %s: %w", key, err)
	}
	current, err := overlay.UnmarshalDescriptor(data)
	if err != nil || current.Channel != r.descriptor.Channel {
		return nil
	}
	return n.rdb.Del(ctx, key).Err()
}
