// Package health periodically probes registered adapters and applies the
// quarantine ladder: repeated failed probes degrade and then quarantine an
// adapter, and recovery requires consecutive healthy probes (hysteresis to
// avoid flapping).
package health

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haventree/carecomms/internal/models"
	"github.com/haventree/carecomms/internal/registry"
)

const (
	// failuresToQuarantine is the consecutive failed probe count that moves
	// an adapter to QUARANTINED; fewer consecutive failures only degrade it.
	failuresToQuarantine = 3
	// healthyToRestoreQuarantined is the consecutive healthy probe count
	// required to lift a quarantine. A single healthy probe restores a
	// DEGRADED adapter.
	healthyToRestoreQuarantined = 2
)

// Config tunes the monitor loop.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

type streak struct {
	failures  int
	healthies int
}

// Monitor drives periodic health checks against every registration.
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	streaks map[string]*streak
}

// New constructs a monitor. Interval defaults to 60s and the per-probe
// timeout to 5s.
func New(cfg Config, reg *registry.Registry, logger zerolog.Logger) (*Monitor, error) {
	if reg == nil {
		return nil, errors.New("health: registry dependency is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		logger:   logger.With().Str("component", "health_monitor").Logger(),
		now:      time.Now,
		streaks:  make(map[string]*streak),
	}, nil
}

// Run probes all adapters on the configured interval until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every current registration once. Exposed so tests and the
// daemon can force an immediate sweep.
func (m *Monitor) CheckAll(ctx context.Context) {
	regs := m.registry.Registrations()

	known := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		known[reg.AdapterID] = struct{}{}
		m.probe(ctx, reg)
	}

	// Drop streaks for adapters that were unregistered since the last sweep.
	m.mu.Lock()
	for id := range m.streaks {
		if _, ok := known[id]; !ok {
			delete(m.streaks, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) probe(ctx context.Context, reg *registry.Registration) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := m.now()
	result, err := reg.Adapter().HealthCheck(probeCtx)
	latency := m.now().Sub(start)

	healthy := err == nil && result != nil && result.Healthy
	if result != nil && result.Latency > 0 {
		latency = result.Latency
	}

	next := m.advance(reg.AdapterID, reg.Health, healthy)
	if setErr := m.registry.SetHealth(reg.AdapterID, next, m.now()); setErr != nil {
		if !errors.Is(setErr, registry.ErrUnknownAdapter) {
			m.logger.Error().Str("adapter_id", reg.AdapterID).Err(setErr).Msg("failed to record health")
		}
		return
	}

	event := m.logger.Debug()
	if !healthy {
		event = m.logger.Warn().Err(err)
	}
	event.
		Str("adapter_id", reg.AdapterID).
		Bool("healthy", healthy).
		Dur("latency", latency).
		Str("health", string(next)).
		Msg("adapter probed")
}

// advance applies the ladder to one probe outcome and returns the new health.
func (m *Monitor) advance(adapterID string, current models.AdapterHealth, healthy bool) models.AdapterHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streaks[adapterID]
	if !ok {
		s = &streak{}
		m.streaks[adapterID] = s
	}

	if !healthy {
		s.failures++
		s.healthies = 0
		// A failed probe never lifts an existing quarantine.
		if current == models.HealthQuarantined || s.failures >= failuresToQuarantine {
			return models.HealthQuarantined
		}
		return models.HealthDegraded
	}

	s.healthies++
	s.failures = 0
	switch current {
	case models.HealthQuarantined:
		if s.healthies >= healthyToRestoreQuarantined {
			return models.HealthHealthy
		}
		return models.HealthQuarantined
	case models.HealthDegraded:
		return models.HealthHealthy
	default:
		return models.HealthHealthy
	}
}
