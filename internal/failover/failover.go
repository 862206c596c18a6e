// Package failover keeps exactly zero or one machine designated as the
// live-order primary. A health loop probes every enabled machine's agent,
// demotes a primary after repeated failures and promotes the best
// candidate in a single transaction.
package failover

import (
	"context"
	"time"

	"github.com/ksred/fleet-api/internal/agent"
	"github.com/ksred/fleet-api/internal/alerts"
	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service runs the health loop and owns primary selection.
type Service struct {
	db          *Database
	fleet       *fleet.Service
	notifier    *alerts.Notifier
	controlPort int
	cfg         config.FailoverConfig
}

// NewService creates a new failover service.
func NewService(gormDB *gorm.DB, fleetSvc *fleet.Service, notifier *alerts.Notifier, controlPort int, cfg config.FailoverConfig) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		fleet:       fleetSvc,
		notifier:    notifier,
		controlPort: controlPort,
		cfg:         cfg,
	}
}

// DB exposes the failover record gateway.
func (s *Service) DB() *Database {
	return s.db
}

// Run drives the health loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Info().
		Str("service", "failover").
		Dur("interval", s.cfg.HealthInterval).
		Int("failure_threshold", s.cfg.FailureThreshold).
		Msg("health loop started")

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick probes every enabled machine once and evaluates demotion.
func (s *Service) Tick(ctx context.Context) {
	recs, err := s.db.ListRecords()
	if err != nil {
		log.Error().Err(err).Str("service", "failover").Msg("failed to list failover records")
		return
	}

	for _, rec := range recs {
		if !rec.IsEnabled {
			continue
		}
		s.probe(ctx, rec)
	}
	s.evaluate(ctx)
}

// probe hits one machine's agent health endpoint and records the outcome.
func (s *Service) probe(ctx context.Context, rec types.FailoverRecord) {
	machine, err := s.fleet.DB().GetMachine(rec.MachineID)
	if err != nil || machine == nil || machine.IPAddress == "" {
		_ = s.db.RecordHealth(rec.Provider, 0, false, time.Now().UTC())
		return
	}

	hctx, cancel := context.WithTimeout(ctx, agent.HealthTimeout)
	defer cancel()

	start := time.Now()
	health, err := agent.NewClient(machine.IPAddress, s.controlPort).Health(hctx)
	latency := float64(time.Since(start).Milliseconds())
	ok := err == nil && health.OK

	now := time.Now().UTC()
	if err := s.db.RecordHealth(rec.Provider, latency, ok, now); err != nil {
		log.Error().Err(err).Str("provider", rec.Provider).Msg("failed to record health")
		return
	}
	_ = s.fleet.DB().TouchMachineHealthCheck(rec.MachineID, now)

	if !ok {
		log.Warn().
			Str("service", "failover").
			Str("provider", rec.Provider).
			Int("consecutive_failures", rec.ConsecutiveFailures+1).
			Msg("health probe failed")
	}
}

// evaluate demotes the primary once it crosses the failure threshold.
func (s *Service) evaluate(ctx context.Context) {
	primary, err := s.db.Primary()
	if err != nil || primary == nil {
		return
	}
	if primary.ConsecutiveFailures < s.cfg.FailureThreshold {
		return
	}
	if !primary.AutoFailoverEnabled {
		return
	}

	candidate, err := s.candidate(primary.Provider)
	if err != nil {
		log.Error().Err(err).Str("service", "failover").Msg("candidate selection failed")
		return
	}
	if candidate == nil {
		log.Warn().Str("service", "failover").Str("primary", primary.Provider).Msg("primary failing with no candidate")
		_ = s.db.AppendDegraded(primary.Provider, time.Now().UTC())
		return
	}

	if err := s.db.SwapPrimary(primary.Provider, candidate.Provider, "auto_demote", time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("service", "failover").Msg("primary swap failed")
		return
	}

	log.Info().
		Str("service", "failover").
		Str("from", primary.Provider).
		Str("to", candidate.Provider).
		Float64("candidate_latency_ms", candidate.LatencyMs).
		Msg("primary auto-demoted")
	s.notifier.Send(ctx, "Failover: primary switched from "+primary.Provider+" to "+candidate.Provider)
}

// candidate picks the replacement primary: enabled, under the failure
// threshold, outside its demotion cooldown, lowest latency with priority
// as the tie-breaker.
func (s *Service) candidate(excludeProvider string) (*types.FailoverRecord, error) {
	recs, err := s.db.ListRecords()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var best *types.FailoverRecord
	for i := range recs {
		rec := &recs[i]
		if rec.Provider == excludeProvider || !rec.IsEnabled {
			continue
		}
		if rec.ConsecutiveFailures >= s.cfg.FailureThreshold {
			continue
		}
		if rec.DemotedAt != nil && now.Sub(*rec.DemotedAt) < s.cfg.PromoteCooldown {
			continue
		}
		if best == nil ||
			rec.LatencyMs < best.LatencyMs ||
			(rec.LatencyMs == best.LatencyMs && rec.Priority < best.Priority) {
			best = rec
		}
	}
	return best, nil
}

// SwitchPrimary performs the manual atomic swap. It is the one permitted
// way to re-promote a machine still inside its cooldown.
func (s *Service) SwitchPrimary(ctx context.Context, from, to string) error {
	if err := s.db.SwapPrimary(from, to, "manual", time.Now().UTC()); err != nil {
		return err
	}
	log.Info().Str("service", "failover").Str("from", from).Str("to", to).Msg("primary switched manually")
	s.notifier.Send(ctx, "Failover: primary manually switched from "+from+" to "+to)
	return nil
}

// PrimaryMachine resolves the current primary to a running machine. A
// missing primary, a missing machine row or a non-running machine all
// yield NoPrimary.
func (s *Service) PrimaryMachine() (*types.Machine, error) {
	primary, err := s.db.Primary()
	if err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, types.E(types.KindNoPrimary, "no primary machine elected")
	}

	machine, err := s.fleet.DB().GetMachine(primary.MachineID)
	if err != nil {
		return nil, err
	}
	if machine == nil || machine.Status != types.MachineRunning || machine.IPAddress == "" {
		return nil, types.E(types.KindNoPrimary, "primary %s is not on a running machine", primary.Provider)
	}
	return machine, nil
}
