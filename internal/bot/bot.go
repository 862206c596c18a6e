// Package bot drives the trading bot's lifecycle on deployed machines:
// start, stop, restart, status probes and log retrieval. Every lifecycle
// outcome is reconciled into the deployment, machine and trading config
// rows with a shared timestamp.
package bot

import (
	"context"
	"strings"
	"time"

	"github.com/ksred/fleet-api/internal/agent"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/remote"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// healthSettle is how long a freshly started container gets before the
// post-start health probe.
const healthSettle = 5 * time.Second

// Service handles bot lifecycle operations.
type Service struct {
	db       *Database
	fleet    *fleet.Service
	executor *remote.Executor
}

// NewService creates a new bot lifecycle service.
func NewService(gormDB *gorm.DB, fleetSvc *fleet.Service, executor *remote.Executor) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		fleet:    fleetSvc,
		executor: executor,
	}
}

// DB exposes the trading config gateway.
func (s *Service) DB() *Database {
	return s.db
}

// target resolves a deployment to the machine it runs on.
func (s *Service) target(deploymentID string) (*types.Deployment, *types.Machine, error) {
	dep, err := s.fleet.DB().GetDeployment(deploymentID)
	if err != nil {
		return nil, nil, err
	}
	if dep == nil {
		return nil, nil, types.E(types.KindPermanent, "deployment %s not found", deploymentID)
	}
	machine, err := s.fleet.DB().GetMachine(dep.MachineID)
	if err != nil {
		return nil, nil, err
	}
	if machine == nil || machine.Status == types.MachineDestroyed {
		return nil, nil, types.E(types.KindPermanent, "deployment %s has no usable machine", deploymentID)
	}
	if machine.IPAddress == "" {
		return nil, nil, types.E(types.KindTransient, "machine %s has no IP yet", machine.MachineID)
	}
	return dep, machine, nil
}

// buildEnv assembles the bot's environment from every exchange with stored
// credentials plus the requested trading mode. Credentials are decrypted
// here and only ever travel to the machine.
func (s *Service) buildEnv(mode string) (map[string]string, error) {
	env := map[string]string{
		"TRADING_MODE": mode,
	}

	exchanges, err := s.fleet.DB().ListExchangesWithCredentials()
	if err != nil {
		return nil, err
	}
	for _, exchange := range exchanges {
		creds, err := s.fleet.ExchangeCredentials(exchange)
		if err != nil {
			return nil, err
		}
		prefix := strings.ToUpper(exchange)
		if v := creds["key"]; v != "" {
			env[prefix+"_API_KEY"] = v
		}
		if v := creds["secret"]; v != "" {
			env[prefix+"_API_SECRET"] = v
		}
		if v := creds["passphrase"]; v != "" {
			env[prefix+"_PASSPHRASE"] = v
		}
	}
	return env, nil
}

// Start launches the bot on a deployment in the given mode and verifies it
// came up healthy. Any failure along the way marks all three status rows
// as errored so no reader sees a phantom running bot.
func (s *Service) Start(ctx context.Context, deploymentID, mode string) (*remote.Result, error) {
	if mode != "live" && mode != "paper" {
		return nil, types.E(types.KindPermanent, "invalid trading mode %q", mode)
	}

	dep, machine, err := s.target(deploymentID)
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Str("service", "bot").
		Str("deployment_id", deploymentID).
		Str("machine_id", machine.MachineID).
		Str("mode", mode).
		Logger()

	env, err := s.buildEnv(mode)
	if err != nil {
		return nil, err
	}

	if err := s.db.ReconcileBotStatus(deploymentID, machine.MachineID, types.BotStarting, time.Now().UTC()); err != nil {
		return nil, err
	}

	result, err := s.executor.Control(ctx, machine.IPAddress, dep.SSHKeyRef, agent.ControlRequest{
		Action: "start",
		Mode:   mode,
		Env:    env,
	})
	if err != nil || !result.Success {
		_ = s.db.ReconcileBotStatus(deploymentID, machine.MachineID, types.BotError, time.Now().UTC())
		if err != nil {
			logger.Error().Err(err).Msg("bot start failed")
			return nil, err
		}
		logger.Error().Str("error", result.Error).Msg("bot start rejected on host")
		return result, types.E(types.KindTransient, "bot start failed: %s", result.Error)
	}

	// Give the container a moment before trusting the health probe.
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(healthSettle):
	}

	status := types.BotRunning
	host, herr := s.executor.HostStatus(ctx, machine.IPAddress, dep.SSHKeyRef)
	if herr != nil || !host.HealthOK {
		status = types.BotError
	} else {
		status = remote.ResolveBotStatus(host.DockerRunning, host.SignalPresent)
	}

	if err := s.db.ReconcileBotStatus(deploymentID, machine.MachineID, status, time.Now().UTC()); err != nil {
		return result, err
	}
	if err := s.db.UpdateTradingConfig(map[string]interface{}{
		"trading_mode":    mode,
		"trading_enabled": status == types.BotRunning,
	}); err != nil {
		return result, err
	}

	logger.Info().Str("status", status).Bool("via_ssh", result.ViaSSH).Msg("bot start completed")
	if status == types.BotError {
		return result, types.E(types.KindTransient, "bot did not come up healthy")
	}
	return result, nil
}

// Stop stops the bot on a deployment.
func (s *Service) Stop(ctx context.Context, deploymentID string) (*remote.Result, error) {
	dep, machine, err := s.target(deploymentID)
	if err != nil {
		return nil, err
	}

	result, err := s.executor.Control(ctx, machine.IPAddress, dep.SSHKeyRef, agent.ControlRequest{Action: "stop"})
	if err != nil || !result.Success {
		_ = s.db.ReconcileBotStatus(deploymentID, machine.MachineID, types.BotError, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return result, types.E(types.KindTransient, "bot stop failed: %s", result.Error)
	}

	if err := s.db.ReconcileBotStatus(deploymentID, machine.MachineID, types.BotStopped, time.Now().UTC()); err != nil {
		return result, err
	}
	if err := s.db.UpdateTradingConfig(map[string]interface{}{"trading_enabled": false}); err != nil {
		return result, err
	}

	log.Info().
		Str("service", "bot").
		Str("deployment_id", deploymentID).
		Bool("via_ssh", result.ViaSSH).
		Msg("bot stopped")
	return result, nil
}

// Restart restarts the bot, keeping the current trading mode.
func (s *Service) Restart(ctx context.Context, deploymentID string) (*remote.Result, error) {
	cfg, err := s.db.GetTradingConfig()
	if err != nil {
		return nil, err
	}

	dep, machine, err := s.target(deploymentID)
	if err != nil {
		return nil, err
	}

	env, err := s.buildEnv(cfg.TradingMode)
	if err != nil {
		return nil, err
	}

	result, err := s.executor.Control(ctx, machine.IPAddress, dep.SSHKeyRef, agent.ControlRequest{
		Action: "restart",
		Mode:   cfg.TradingMode,
		Env:    env,
	})
	if err != nil || !result.Success {
		_ = s.db.ReconcileBotStatus(deploymentID, machine.MachineID, types.BotError, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return result, types.E(types.KindTransient, "bot restart failed: %s", result.Error)
	}

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case <-time.After(healthSettle):
	}
	return result, s.Reconcile(ctx, deploymentID)
}

// Status probes the machine and returns the resolved bot state without
// writing anything.
func (s *Service) Status(ctx context.Context, deploymentID string) (*types.BotStatusResponse, error) {
	dep, machine, err := s.target(deploymentID)
	if err != nil {
		return nil, err
	}

	host, err := s.executor.HostStatus(ctx, machine.IPAddress, dep.SSHKeyRef)
	if err != nil {
		return nil, err
	}
	return &types.BotStatusResponse{
		DeploymentID:  deploymentID,
		MachineID:     machine.MachineID,
		DockerRunning: host.DockerRunning,
		SignalPresent: host.SignalPresent,
		HealthOK:      host.HealthOK,
		BotStatus:     host.BotStatus,
	}, nil
}

// Reconcile probes the machine and writes the resolved state into all
// three status rows.
func (s *Service) Reconcile(ctx context.Context, deploymentID string) error {
	status, err := s.Status(ctx, deploymentID)
	if err != nil {
		return err
	}
	return s.db.ReconcileBotStatus(deploymentID, status.MachineID, status.BotStatus, time.Now().UTC())
}

// Logs fetches the last tailLines of bot output from the machine.
func (s *Service) Logs(ctx context.Context, deploymentID string, tailLines int) (string, error) {
	dep, machine, err := s.target(deploymentID)
	if err != nil {
		return "", err
	}
	if tailLines <= 0 {
		tailLines = 100
	}
	return s.executor.Logs(ctx, machine.IPAddress, dep.SSHKeyRef, tailLines)
}

// Health asks the machine's agent for its health report directly over HTTP.
func (s *Service) Health(ctx context.Context, deploymentID string, controlPort int) (*types.AgentHealth, error) {
	_, machine, err := s.target(deploymentID)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, agent.HealthTimeout)
	defer cancel()
	return agent.NewClient(machine.IPAddress, controlPort).Health(hctx)
}
