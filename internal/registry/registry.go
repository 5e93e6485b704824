// Package registry holds the set of initialized channel adapters and answers
// which adapter can serve a given channel type and capability requirement.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/adapter"
	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/util"
)

// ErrNoAdapter is returned by Resolve when no registered adapter matches the
// channel type and capability requirement, or every match is quarantined.
var ErrNoAdapter = errors.New("registry: no adapter available")

// ErrUnknownAdapter is returned when an adapter ID is not registered.
var ErrUnknownAdapter = errors.New("registry: unknown adapter")

// Registration is the registry's record of one initialized adapter.
type Registration struct {
	AdapterID       string
	ChannelType     models.ChannelType
	Capabilities    adapter.Capabilities
	Settings        adapter.Settings
	Health          models.AdapterHealth
	LastHealthCheck time.Time

	impl  adapter.Adapter
	order int
}

// Adapter returns the underlying adapter implementation. In-flight callers
// holding the returned reference are unaffected by a later Unregister.
func (r *Registration) Adapter() adapter.Adapter {
	return r.impl
}

// snapshot copies the registration so callers can read health fields while
// SetHealth mutates the live entry. The adapter reference is shared.
func (r *Registration) snapshot() *Registration {
	cp := *r
	return &cp
}

// Registry is process-wide shared state; all mutation is serialized behind a
// single mutex so concurrent register/resolve/health updates never race. It
// is an explicit constructed object passed by reference, never ambient.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*Registration
	nextOrd int
}

// New constructs an empty registry.
func New(logger zerolog.Logger) *Registry {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Registry{
		logger:  logger.With().Str("component", "adapter_registry").Logger(),
		entries: make(map[string]*Registration),
	}
}

// Register initializes the adapter with its configuration and, on success,
// adds a HEALTHY registration. Initialization failure propagates to the
// caller and nothing is registered (no partial registration).
func (r *Registry) Register(ctx context.Context, a adapter.Adapter, cfg adapter.Configuration) error {
	if a == nil {
		return errors.New("registry: adapter is required")
	}
	if cfg.AdapterID == "" {
		return errors.New("registry: adapter id is required")
	}
	if cfg.Settings.WebhookURL != "" {
		if _, err := util.ValidateHTTPURL(cfg.Settings.WebhookURL); err != nil {
			return fmt.Errorf("registry: adapter %q webhook url: %w", cfg.AdapterID, err)
		}
	}
	if cfg.Settings.CallbackURL != "" {
		if _, err := util.ValidateHTTPURL(cfg.Settings.CallbackURL); err != nil {
			return fmt.Errorf("registry: adapter %q callback url: %w", cfg.AdapterID, err)
		}
	}

	r.mu.Lock()
	if _, exists := r.entries[cfg.AdapterID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: adapter %q already registered", cfg.AdapterID)
	}
	r.mu.Unlock()

	if err := a.Initialize(ctx, cfg); err != nil {
		return fmt.Errorf("registry: initialize adapter %q: %w", cfg.AdapterID, err)
	}

	caps := a.Capabilities()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.AdapterID]; exists {
		return fmt.Errorf("registry: adapter %q already registered", cfg.AdapterID)
	}
	r.entries[cfg.AdapterID] = &Registration{
		AdapterID:    cfg.AdapterID,
		ChannelType:  caps.ChannelType,
		Capabilities: caps,
		Settings:     cfg.Settings,
		Health:       models.HealthHealthy,
		impl:         a,
		order:        r.nextOrd,
	}
	r.nextOrd++

	r.logger.Info().
		Str("adapter_id", cfg.AdapterID).
		Str("channel", string(caps.ChannelType)).
		Msg("adapter registered")
	return nil
}

// Unregister shuts the adapter down and removes the registration. Safe to
// call while deliveries are in flight: those calls already hold a reference.
func (r *Registry) Unregister(ctx context.Context, adapterID string) error {
	r.mu.Lock()
	reg, ok := r.entries[adapterID]
	if ok {
		delete(r.entries, adapterID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAdapter, adapterID)
	}

	if err := reg.impl.Shutdown(ctx); err != nil {
		return fmt.Errorf("registry: shutdown adapter %q: %w", adapterID, err)
	}

	r.logger.Info().Str("adapter_id", adapterID).Msg("adapter unregistered")
	return nil
}

// Resolve returns the best-healthed registered adapter matching the channel
// type and required capabilities. Ties break by declared cost per message
// ascending, then registration order. Quarantined adapters never resolve.
// The returned registration is a snapshot.
func (r *Registry) Resolve(channel models.ChannelType, required adapter.Capabilities) (*Registration, error) {
	r.mu.RLock()
	candidates := make([]*Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		if reg.ChannelType != channel {
			continue
		}
		if reg.Health == models.HealthQuarantined {
			continue
		}
		if !reg.Capabilities.Satisfies(required) {
			continue
		}
		candidates = append(candidates, reg.snapshot())
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for channel %q", ErrNoAdapter, channel)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Health != b.Health {
			return a.Health == models.HealthHealthy
		}
		if a.Capabilities.CostPerMessage != b.Capabilities.CostPerMessage {
			return a.Capabilities.CostPerMessage < b.Capabilities.CostPerMessage
		}
		return a.order < b.order
	})

	return candidates[0], nil
}

// Get returns a snapshot of the registration for an adapter ID.
func (r *Registry) Get(adapterID string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[adapterID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, adapterID)
	}
	return reg.snapshot(), nil
}

// SetHealth applies a health transition reported by the health monitor.
func (r *Registry) SetHealth(adapterID string, health models.AdapterHealth, checkedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[adapterID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAdapter, adapterID)
	}
	if reg.Health != health {
		r.logger.Info().
			Str("adapter_id", adapterID).
			Str("from", string(reg.Health)).
			Str("to", string(health)).
			Msg("adapter health changed")
	}
	reg.Health = health
	reg.LastHealthCheck = checkedAt
	return nil
}

// Registrations returns snapshots of all registrations in registration
// order. Callers can read them while the registry mutates the live entries.
func (r *Registry) Registrations() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Shutdown unregisters every adapter, collecting shutdown errors.
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, reg := range r.Registrations() {
		if err := r.Unregister(ctx, reg.AdapterID); err != nil && !errors.Is(err, ErrUnknownAdapter) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
