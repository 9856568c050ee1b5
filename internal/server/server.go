// Package server wires the registrar together: local UDP transport, the
// dispatch pool, the overlay backend, account checks and the metrics
// endpoint.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zurustar/p2pregistrar/internal/account"
	"github.com/zurustar/p2pregistrar/internal/config"
	"github.com/zurustar/p2pregistrar/internal/dispatch"
	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/media"
	"github.com/zurustar/p2pregistrar/internal/metrics"
	"github.com/zurustar/p2pregistrar/internal/overlay"
	"github.com/zurustar/p2pregistrar/internal/overlay/memory"
	"github.com/zurustar/p2pregistrar/internal/overlay/redisnet"
	"github.com/zurustar/p2pregistrar/internal/parser"
	"github.com/zurustar/p2pregistrar/internal/proxy"
	"github.com/zurustar/p2pregistrar/internal/registrar"
	"github.com/zurustar/p2pregistrar/internal/registry"
	"github.com/zurustar/p2pregistrar/internal/resolver"
	"github.com/zurustar/p2pregistrar/internal/rewrite"
	"github.com/zurustar/p2pregistrar/internal/transaction"
	"github.com/zurustar/p2pregistrar/internal/transport"
	"github.com/zurustar/p2pregistrar/internal/webadmin"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var _ Runner = (*Server)(nil)

const transactionCleanupInterval = 30 * time.Second

// Server is the registrar process
type Server struct {
	config *config.Config
	logger *logging.ZapLogger

	network      overlay.Network
	accounts     account.Checker
	registry     *registry.Registry
	stats        *metrics.Stats
	transactions *transaction.Manager
	udp          *transport.UDPTransport
	dispatcher   *dispatch.Dispatcher
	editor       webadmin.AccountEditor
	admin        *webadmin.Server

	// closed in reverse order on shutdown
	closers []io.Closer

	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	started bool
}

// LoadConfig reads and validates a configuration file
func LoadConfig(filename string) (*config.Config, error) {
	cfg, err := config.NewManager().Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// New creates a stopped server for cfg
func New(cfg *config.Config) *Server {
	return &Server{config: cfg}
}

// Start builds every component and begins serving. ctx bounds the
// background routines; Stop must still be called to release resources.
func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server is already running")
	}
	if s.config == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if err := config.NewManager().Validate(s.config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, s.release())
		}
	}()

	if err := s.initializeLogger(); err != nil {
		return err
	}
	if err := s.initializeOverlay(ctx); err != nil {
		return err
	}
	if err := s.initializeAccounts(ctx); err != nil {
		return err
	}
	if err := s.initializeSIP(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	s.startBackgroundTasks(ctx)
	if err := s.startAdmin(); err != nil {
		return err
	}

	s.started = true
	s.logger.Info("Registrar started",
		logging.AddressField("sip", s.udp.LocalAddr().String()),
		logging.StringField("overlay", s.config.Overlay.Backend),
		logging.StringField("accounts", s.config.Accounts.Backend))
	return nil
}

func (s *Server) initializeLogger() error {
	logger, err := logging.NewLoggerFromConfig(logging.LoggerConfig{
		Level:  s.config.Logging.Level,
		File:   s.config.Logging.File,
		Format: s.config.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	s.logger = logger
	return nil
}

func (s *Server) initializeOverlay(ctx context.Context) error {
	oc := s.config.Overlay
	switch oc.Backend {
	case config.OverlayRedis:
		peer := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.UDPPort))
		n, err := redisnet.Dial(ctx, oc.Addr, oc.Password, oc.DB, redisnet.Options{
			KeyPrefix:      oc.KeyPrefix,
			CacheSize:      oc.CacheSize,
			PublishTimeout: s.config.Server.DiscoveryTimeout,
			Peer:           peer,
			Logger:         s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to join overlay: %w", err)
		}
		s.network = n
	default:
		// a standalone registrar on its own hub only reaches its own users
		s.network = memory.NewHub(nil).NewNode(s.config.Server.Host)
	}
	s.closers = append(s.closers, s.network)
	s.logger.Info("Overlay joined", logging.StringField("backend", oc.Backend))
	return nil
}

func (s *Server) initializeAccounts(ctx context.Context) error {
	ac := s.config.Accounts
	switch ac.Backend {
	case config.AccountsSQLite:
		db, err := account.OpenSQLite(ac.Path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db)
		s.accounts, s.editor = db, db
	case config.AccountsRedis:
		var rdb *redis.Client
		if n, ok := s.network.(*redisnet.Network); ok {
			rdb = n.Client()
		} else {
			rdb = redis.NewClient(&redis.Options{
				Addr:     s.config.Overlay.Addr,
				Password: s.config.Overlay.Password,
				DB:       s.config.Overlay.DB,
			})
			s.closers = append(s.closers, rdb)
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("failed to connect to accounts redis: %w", err)
			}
		}
		accounts := account.NewRedis(rdb, ac.RedisKey)
		s.accounts, s.editor = accounts, accounts
	default:
		s.accounts = account.NewStatic(ac.AllowAll, ac.List...)
	}
	s.logger.Info("Account directory ready", logging.StringField("backend", ac.Backend))
	return nil
}

func (s *Server) initializeSIP(ctx context.Context) error {
	sc := s.config.Server

	s.udp = transport.NewUDPTransport(s.logger)
	if err := s.udp.Start(sc.Host, sc.UDPPort); err != nil {
		return fmt.Errorf("failed to start UDP transport: %w", err)
	}
	port := sc.UDPPort
	if addr, ok := s.udp.LocalAddr().(*net.UDPAddr); ok {
		port = addr.Port
	}

	p := parser.NewParser()
	s.registry = registry.New(s.network, nil, s.logger)
	s.stats = metrics.NewStats(s.registry.Keys)
	rewriter := rewrite.New(sc.Host, port)
	sender := transport.NewSender(s.udp, p, s.logger)
	s.transactions = transaction.NewManager(sender, nil)

	var processor media.Processor = media.Nop{}
	if s.config.Media.SDPRewrite {
		processor = media.NewSDPProcessor(s.registry, s.logger)
	}

	s.dispatcher = dispatch.New(dispatch.Deps{
		Registry:     s.registry,
		Transactions: s.transactions,
		Registrar:    registrar.NewRegistrar(s.registry, s.accounts, s.stats, s.logger),
		Proxy: proxy.NewEngine(rewriter,
			resolver.New(s.network, sc.DiscoveryTimeout, s.logger),
			processor, p, s.transactions, s.stats, s.logger),
		Rewriter: rewriter,
		Media:    processor,
		Sender:   sender,
		Parser:   p,
		Stats:    s.stats,
		Logger:   s.logger,
	}, dispatch.Config{Workers: sc.Workers, QueueSize: sc.QueueSize})

	s.registry.SetInboundHandler(s.dispatcher)
	if err := s.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	s.udp.RegisterHandler(s.dispatcher)
	return nil
}

// startBackgroundTasks runs the registration sweeper and the transaction
// cleanup until ctx is done
func (s *Server) startBackgroundTasks(ctx context.Context) {
	s.group.Go(func() error {
		ticker := time.NewTicker(s.config.Server.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.sweep()
			}
		}
	})

	s.group.Go(func() error {
		ticker := time.NewTicker(transactionCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := s.transactions.CleanupExpired(); n > 0 {
					s.logger.Debug("Expired transactions removed", logging.IntField("count", n))
				}
			}
		}
	})
}

func (s *Server) sweep() {
	for _, aor := range s.registry.Sweep() {
		s.stats.IncUnregistration()
		s.logger.Info("Registration expired", logging.UserField(aor))
	}
}

func (s *Server) startAdmin() error {
	mc := s.config.Metrics
	if !mc.Enabled {
		return nil
	}
	admin := webadmin.NewServer(s.registry, s.editor, s.stats, s.logger)
	if err := admin.Start(mc.Listen); err != nil {
		return fmt.Errorf("failed to start web admin server: %w", err)
	}
	s.admin = admin
	return nil
}

// Stop shuts every component down and reports what failed
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info("Initiating registrar shutdown")
	err := s.release()
	s.started = false
	return err
}

// release tears down whatever has been built so far
func (s *Server) release() error {
	var err error
	if s.udp != nil {
		err = multierr.Append(err, s.udp.Stop())
	}
	if s.admin != nil {
		err = multierr.Append(err, s.admin.Stop())
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		err = multierr.Append(err, s.group.Wait())
	}
	if s.dispatcher != nil {
		err = multierr.Append(err, s.dispatcher.Stop())
	}
	if s.registry != nil {
		s.registry.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i].Close())
	}

	if s.logger != nil {
		if err != nil {
			s.logger.Error("Shutdown finished with errors", logging.ErrorField(err))
		} else {
			s.logger.Info("Registrar shutdown completed")
		}
		err = multierr.Append(err, s.logger.Close())
	}

	s.udp, s.admin, s.editor = nil, nil, nil
	s.cancel, s.group, s.dispatcher, s.registry = nil, nil, nil, nil
	s.closers = nil
	return err
}

// RunWithSignalHandling starts the server and stops it on SIGINT or SIGTERM
func (s *Server) RunWithSignalHandling() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("Received shutdown signal")
	return s.Stop()
}

// SIPAddr is the bound local SIP address, nil when stopped
func (s *Server) SIPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// MetricsAddr is the bound address of the metrics and admin endpoint, nil
// when disabled
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

// Stats exposes the registrar counters
func (s *Server) Stats() *metrics.Stats {
	return s.stats
}
