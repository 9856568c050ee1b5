// Package metrics counts registrar and proxy outcomes and exposes them to
// prometheus.
package metrics

import (
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pregistrar"

// Stats holds the monotonically increasing counters of one registrar
type Stats struct {
	successful                 atomic.Int64
	refused                    atomic.Int64
	unregistration             atomic.Int64
	userNotFound               atomic.Int64
	userNotFoundAtRegistration atomic.Int64
	unknownUser                atomic.Int64

	registered func() []string
	registry   *prometheus.Registry
}

// NewStats creates the counters. registered lists the currently bound AORs
// and may be nil.
func NewStats(registered func() []string) *Stats {
	s := &Stats{registered: registered}
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(s.collectors()...)
	return s
}

func (s *Stats) collectors() []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	return []prometheus.Collector{
		counter("registrations_successful_total", "REGISTER requests answered 200.", &s.successful),
		counter("registrations_refused_total", "REGISTER requests answered with an error.", &s.refused),
		counter("unregistrations_total", "Registrations removed by Expires 0 or expiry.", &s.unregistration),
		counter("user_not_found_total", "Requests or responses whose destination was not advertised.", &s.userNotFound),
		counter("user_not_found_registration_total", "REGISTER requests for accounts that do not exist.", &s.userNotFoundAtRegistration),
		counter("unknown_user_total", "Overlay messages for identities not registered here.", &s.unknownUser),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_aors",
			Help:      "Addresses-of-record currently registered.",
		}, func() float64 { return float64(len(s.RegisteredList())) }),
	}
}

func (s *Stats) IncSuccessful() { s.successful.Add(1) }
func (s *Stats) IncRefused() { s.refused.Add(1) }
func (s *Stats) IncUnregistration() { s.unregistration.Add(1) }
func (s *Stats) IncUserNotFound() { s.userNotFound.Add(1) }
func (s *Stats) IncUserNotFoundAtRegistration() { s.userNotFoundAtRegistration.Add(1) }
func (s *Stats) IncUnknownUser() { s.unknownUser.Add(1) }

func (s *Stats) Successful() int64 { return s.successful.Load() }
func (s *Stats) Refused() int64 { return s.refused.Load() }
func (s *Stats) Unregistration() int64 { return s.unregistration.Load() }
func (s *Stats) UserNotFound() int64 { return s.userNotFound.Load() }
func (s *Stats) UserNotFoundAtRegistration() int64 { return s.userNotFoundAtRegistration.Load() }
func (s *Stats) UnknownUser() int64 { return s.unknownUser.Load() }

// SetRegisteredSource replaces the function listing registered AORs
func (s *Stats) SetRegisteredSource(registered func() []string) {
	s.registered = registered
}

// RegisteredList returns the registered AORs in sorted order
func (s *Stats) RegisteredList() []string {
	if s.registered == nil {
		return nil
	}
	list := s.registered()
	sort.Strings(list)
	return list
}

// Registry exposes the prometheus registry holding the counters
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the counters in the prometheus exposition format
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
