// Package fleet owns machine provisioning and the typed store gateway for
// fleet records. It is the only component that touches machines,
// deployments, timeline events and credential rows directly.
package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/fleet-api/internal/provider"
	"github.com/ksred/fleet-api/internal/remote"
	"github.com/ksred/fleet-api/internal/secrets"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service handles machine lifecycle and credential management.
type Service struct {
	db       *Database
	codec    *secrets.Codec
	executor *remote.Executor
}

// NewService creates a new fleet service.
func NewService(gormDB *gorm.DB, codec *secrets.Codec, executor *remote.Executor) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		codec:    codec,
		executor: executor,
	}
}

// DB exposes the store gateway to sibling services that share fleet rows.
func (s *Service) DB() *Database {
	return s.db
}

// ProviderCredentials returns the decrypted credential bundle for a
// provider, or NoCredentials when the bundle is incomplete for the
// adapter's schema.
func (s *Service) ProviderCredentials(providerName string) (provider.Credentials, error) {
	adapter, err := provider.Create(providerName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.GetProviderCredentials(providerName)
	if err != nil {
		return nil, err
	}

	creds := provider.Credentials{}
	for _, row := range rows {
		value, err := s.codec.Open(row.ValueEncrypted)
		if err != nil {
			return nil, types.WrapKind(types.KindNoCredentials, err,
				"credential "+providerName+"/"+row.FieldName+" is undecryptable")
		}
		creds[row.FieldName] = value
	}

	if !provider.BundleComplete(adapter, creds) {
		return nil, types.E(types.KindNoCredentials, "credential bundle for %s is incomplete", providerName)
	}
	return creds, nil
}

// ExchangeCredentials returns the decrypted API credential map for an
// exchange (key, secret, optional passphrase).
func (s *Service) ExchangeCredentials(exchange string) (map[string]string, error) {
	rows, err := s.db.GetExchangeCredentials(exchange)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.E(types.KindNoCredentials, "no credentials stored for exchange %s", exchange)
	}

	creds := map[string]string{}
	for _, row := range rows {
		value, err := s.codec.Open(row.ValueEncrypted)
		if err != nil {
			return nil, types.WrapKind(types.KindNoCredentials, err,
				"credential "+exchange+"/"+row.FieldName+" is undecryptable")
		}
		creds[row.FieldName] = value
	}
	return creds, nil
}

// SaveProviderCredential seals and stores one credential field.
func (s *Service) SaveProviderCredential(providerName, fieldName, value string) error {
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return err
	}
	return s.db.UpsertProviderCredential(providerName, fieldName, sealed)
}

// SaveExchangeCredential seals and stores one exchange credential field.
func (s *Service) SaveExchangeCredential(exchange, fieldName, value string) error {
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return err
	}
	return s.db.UpsertExchangeCredential(exchange, fieldName, sealed)
}

// ValidateCredentials runs the adapter's non-mutating probe.
func (s *Service) ValidateCredentials(ctx context.Context, providerName string) (*provider.ValidationResult, error) {
	adapter, err := provider.Create(providerName)
	if err != nil {
		return nil, err
	}
	creds, err := s.ProviderCredentials(providerName)
	if err != nil {
		return nil, err
	}
	return adapter.ValidateCredentials(ctx, creds)
}

// Deploy provisions a new machine and kicks off the background readiness
// poll that installs the agent once the provider reports an IP.
// Parameters:
//   - providerName: registered provider adapter name
//   - region, size: catalog entries for that provider
func (s *Service) Deploy(ctx context.Context, providerName, region, size string) (*types.Machine, error) {
	logger := log.With().
		Str("service", "fleet").
		Str("provider", providerName).
		Str("region", region).
		Logger()

	adapter, err := provider.Create(providerName)
	if err != nil {
		return nil, err
	}
	creds, err := s.ProviderCredentials(providerName)
	if err != nil {
		return nil, err
	}

	var monthlyCost decimal.Decimal
	for _, plan := range adapter.Catalog() {
		if plan.Region == region && plan.Size == size {
			monthlyCost = plan.MonthlyUSD
		}
	}

	clientRequestID := uuid.New().String()
	result, err := adapter.CreateInstance(ctx, creds, provider.CreateRequest{
		Region:          region,
		Size:            size,
		ClientRequestID: clientRequestID,
	})
	if err != nil {
		logger.Error().Err(err).Msg("instance creation failed")
		return nil, err
	}

	machine := &types.Machine{
		MachineID:          uuid.New().String(),
		Provider:           providerName,
		ProviderInstanceID: result.ProviderInstanceID,
		Region:             region,
		Size:               size,
		SSHKeyRef:          "fleet-" + providerName,
		MonthlyCost:        monthlyCost,
		Status:             types.MachineCreating,
		BotStatus:          types.BotNotDeployed,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.db.CreateMachine(machine); err != nil {
		return nil, err
	}

	if err := s.db.AppendTimelineEvent(providerName, "deployment", "created",
		"Machine provisioning started",
		"Instance "+result.ProviderInstanceID+" requested in "+region,
		map[string]interface{}{"machine_id": machine.MachineID, "size": size}); err != nil {
		logger.Warn().Err(err).Msg("failed to append timeline event")
	}

	logger.Info().
		Str("machine_id", machine.MachineID).
		Str("instance_id", result.ProviderInstanceID).
		Time("expected_ready", result.ExpectedReadyTime).
		Msg("machine provisioning started")

	go s.awaitAndInstall(machine.MachineID, adapter, creds, result)

	return machine, nil
}

// awaitAndInstall polls the adapter until the instance is running with an
// IP, then installs the agent and creates the deployment record. The poll
// asks the adapter directly rather than waiting on store change events.
func (s *Service) awaitAndInstall(machineID string, adapter provider.Adapter, creds provider.Credentials, create *provider.CreateResult) {
	logger := log.With().Str("service", "fleet").Str("machine_id", machineID).Logger()

	// Allow double the expected provisioning time before giving up.
	grace := 2 * time.Until(create.ExpectedReadyTime)
	if grace < 5*time.Minute {
		grace = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	machine, err := s.AwaitReady(ctx, machineID, adapter, creds, create.ProviderInstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("machine never became ready")
		_ = s.db.UpdateMachineStatus(machineID, types.MachineError, "")
		return
	}

	if err := s.executor.InstallAgent(ctx, machine.IPAddress, machine.SSHKeyRef); err != nil {
		logger.Error().Err(err).Msg("agent install failed")
		_ = s.db.UpdateMachineStatus(machineID, types.MachineError, "")
		return
	}

	dep := &types.Deployment{
		DeploymentID: uuid.New().String(),
		MachineID:    machineID,
		ServerID:     machine.ProviderInstanceID,
		BotStatus:    types.BotStopped,
		SSHKeyRef:    machine.SSHKeyRef,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.db.UpsertDeployment(dep); err != nil {
		logger.Error().Err(err).Msg("failed to create deployment record")
		return
	}

	_ = s.db.AppendTimelineEvent(machine.Provider, "deployment", "ready",
		"Machine ready", "Agent installed on "+machine.IPAddress,
		map[string]interface{}{"machine_id": machineID, "deployment_id": dep.DeploymentID})

	logger.Info().Str("deployment_id", dep.DeploymentID).Msg("machine ready, agent installed")
}

// AwaitReady blocks until the provider reports the instance running with
// an IP address, updating the machine row as states change. The context
// deadline bounds the wait.
func (s *Service) AwaitReady(ctx context.Context, machineID string, adapter provider.Adapter, creds provider.Credentials, instanceID string) (*types.Machine, error) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		status, err := adapter.GetInstanceStatus(ctx, creds, instanceID)
		if err == nil {
			if err := s.db.UpdateMachineStatus(machineID, status.State, status.IPAddress); err != nil {
				return nil, err
			}
			if status.State == types.MachineRunning && status.IPAddress != "" {
				return s.db.GetMachine(machineID)
			}
			if status.State == types.MachineError || status.State == types.MachineDestroyed {
				return nil, types.E(types.KindPermanent, "instance entered state %s while provisioning", status.State)
			}
		}

		select {
		case <-ctx.Done():
			return nil, types.WrapKind(types.KindTransient, ctx.Err(), "timed out waiting for machine")
		case <-ticker.C:
		}
	}
}

// Destroy tears an instance down and freezes the machine row. Destroying
// an already-destroyed machine succeeds.
func (s *Service) Destroy(ctx context.Context, machineID string) error {
	machine, err := s.db.GetMachine(machineID)
	if err != nil {
		return err
	}
	if machine == nil {
		return types.E(types.KindPermanent, "machine %s not found", machineID)
	}
	if machine.Status == types.MachineDestroyed {
		return nil
	}

	adapter, err := provider.Create(machine.Provider)
	if err != nil {
		return err
	}
	creds, err := s.ProviderCredentials(machine.Provider)
	if err != nil {
		return err
	}
	if err := adapter.DestroyInstance(ctx, creds, machine.ProviderInstanceID); err != nil {
		return err
	}

	if err := s.db.UpdateMachineStatus(machineID, types.MachineDestroyed, ""); err != nil {
		return err
	}
	if dep, _ := s.db.GetDeploymentByMachine(machineID); dep != nil {
		_ = s.db.UpdateDeploymentBotStatus(dep.DeploymentID, types.BotNotDeployed, time.Now().UTC())
	}

	return s.db.AppendTimelineEvent(machine.Provider, "deployment", "destroyed",
		"Machine destroyed", "Instance "+machine.ProviderInstanceID+" torn down",
		map[string]interface{}{"machine_id": machineID})
}

// Reboot asks the provider to reboot the instance and tracks the
// transitional status.
func (s *Service) Reboot(ctx context.Context, machineID string) error {
	machine, err := s.db.GetMachine(machineID)
	if err != nil {
		return err
	}
	if machine == nil {
		return types.E(types.KindPermanent, "machine %s not found", machineID)
	}

	adapter, err := provider.Create(machine.Provider)
	if err != nil {
		return err
	}
	creds, err := s.ProviderCredentials(machine.Provider)
	if err != nil {
		return err
	}
	if err := adapter.RebootInstance(ctx, creds, machine.ProviderInstanceID); err != nil {
		return err
	}
	return s.db.UpdateMachineStatus(machineID, types.MachineRebooting, "")
}
