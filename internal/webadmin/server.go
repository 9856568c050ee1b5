// Package webadmin serves the operator HTTP surface: prometheus metrics, the
// registered list and account administration.
package webadmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/zurustar/p2pregistrar/internal/logging"
	"github.com/zurustar/p2pregistrar/internal/metrics"
)

// Server is the admin HTTP server
type Server struct {
	registrations Registrations
	accounts      AccountEditor
	stats         *metrics.Stats
	logger        logging.Logger
	server        *http.Server
	addr          net.Addr
	done          chan struct{}
}

// RegistrationView is the JSON form of one registration
type RegistrationView struct {
	AOR            string            `json:"aor"`
	Contact        string            `json:"contact"`
	RegisteredAt   time.Time         `json:"registered_at"`
	ExpiresSeconds int               `json:"expires"`
	MediaRelays    map[string]string `json:"media_relays,omitempty"`
}

// NewServer creates a stopped admin server. accounts may be nil.
func NewServer(registrations Registrations, accounts AccountEditor, stats *metrics.Stats, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Server{
		registrations: registrations,
		accounts:      accounts,
		stats:         stats,
		logger:        logger,
	}
}

// Handler returns the routes of the admin interface
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.stats.Handler())
	mux.HandleFunc("/admin/registrations", s.HandleRegistrations)
	mux.HandleFunc("/admin/accounts", s.HandleAccounts)
	return mux
}

// Start listens on listen and serves in the background
func (s *Server) Start(listen string) error {
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.addr = listener.Addr()
	s.done = make(chan struct{})

	s.logger.Info("Starting web admin server", logging.AddressField("listen", s.addr.String()))

	srv, done := s.server, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web admin server error", logging.ErrorField(err))
		}
	}()
	return nil
}

// Addr is the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop stops the web admin server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping web admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	s.server = nil
	return err
}

// HandleRegistrations lists the current registrations
func (s *Server) HandleRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	aors := s.registrations.Keys()
	sort.Strings(aors)
	views := make([]RegistrationView, 0, len(aors))
	for _, aor := range aors {
		reg, ok := s.registrations.Get(aor)
		if !ok {
			continue
		}
		views = append(views, RegistrationView{
			AOR:            reg.AOR,
			Contact:        reg.Contact,
			RegisteredAt:   reg.RegisteredAt,
			ExpiresSeconds: reg.ExpiresSeconds(),
			MediaRelays:    reg.MediaRelayBindings,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleAccounts adds or disables accounts
func (s *Server) HandleAccounts(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		http.Error(w, "Account directory is read-only", http.StatusNotImplemented)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleAccount(w, r, s.accounts.Add, http.StatusCreated)
	case http.MethodDelete:
		s.handleAccount(w, r, s.accounts.Disable, http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error, status int) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	aor := r.FormValue("aor")
	if aor == "" {
		http.Error(w, "Missing required field: aor", http.StatusBadRequest)
		return
	}

	if err := apply(r.Context(), aor); err != nil {
		s.logger.Warn("Account update failed",
			logging.UserField(aor),
			logging.MethodField(r.Method),
			logging.ErrorField(err))
		http.Error(w, "Failed to update account", http.StatusInternalServerError)
		return
	}
	s.logger.Info("Account updated", logging.UserField(aor), logging.MethodField(r.Method))
	writeJSON(w, status, map[string]string{"aor": aor})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
