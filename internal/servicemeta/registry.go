// Package servicemeta keeps the announcements of connected services, keyed
// by service address, so late joiners can be told about them.
package servicemeta

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/meshgate/internal/metrics"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

// ErrEmptyAddress is returned when an announcement has no service address
var ErrEmptyAddress = errors.New("service address cannot be empty")

// Registry holds at most one announcement per service address.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]command.ServiceMetaData

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics reports the number of registered services.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]command.ServiceMetaData),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert stores md, replacing any announcement for the same address.
// It reports whether an existing entry was replaced.
func (r *Registry) Upsert(md command.ServiceMetaData) (bool, error) {
	if md.ServiceAddress == "" {
		return false, ErrEmptyAddress
	}
	md.Topics = slices.Clone(md.Topics)

	r.mu.Lock()
	_, replaced := r.services[md.ServiceAddress]
	r.services[md.ServiceAddress] = md
	n := len(r.services)
	r.mu.Unlock()

	r.metrics.SetServices(n)
	if replaced {
		r.logger.Info("replaced service metadata",
			"address", md.ServiceAddress, "service", md.ServiceName, "version", md.Version)
	} else {
		r.logger.Info("registered service metadata",
			"address", md.ServiceAddress, "service", md.ServiceName, "version", md.Version)
	}
	return replaced, nil
}

// Get returns the announcement for address.
func (r *Registry) Get(address string) (command.ServiceMetaData, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.services[address]
	return md, ok
}

// Remove drops the announcement for address and reports whether it existed.
func (r *Registry) Remove(address string) bool {
	r.mu.Lock()
	_, ok := r.services[address]
	delete(r.services, address)
	n := len(r.services)
	r.mu.Unlock()

	r.metrics.SetServices(n)
	return ok
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Snapshot returns every announcement ordered by address.
func (r *Registry) Snapshot() []command.ServiceMetaData {
	r.mu.RLock()
	out := make([]command.ServiceMetaData, 0, len(r.services))
	for _, md := range r.services {
		md.Topics = slices.Clone(md.Topics)
		out = append(out, md)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b command.ServiceMetaData) int {
		return strings.Compare(a.ServiceAddress, b.ServiceAddress)
	})
	return out
}
