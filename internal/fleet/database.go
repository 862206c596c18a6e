package fleet

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateMachine(machine *types.Machine) error {
	return d.db.Create(machine).Error
}

func (d *Database) GetMachine(machineID string) (*types.Machine, error) {
	var machine types.Machine
	if err := d.db.Where("machine_id = ?", machineID).First(&machine).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &machine, nil
}

func (d *Database) ListMachines() ([]types.Machine, error) {
	var machines []types.Machine
	if err := d.db.Order("created_at desc").Find(&machines).Error; err != nil {
		return nil, err
	}
	return machines, nil
}

// UpdateMachineStatus moves a machine through its lifecycle. Destroyed
// machines are immutable apart from audit timestamps, so the update is a
// no-op once that state is reached.
func (d *Database) UpdateMachineStatus(machineID, status, ipAddress string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if ipAddress != "" {
		updates["ip_address"] = ipAddress
	}
	return d.db.Model(&types.Machine{}).
		Where("machine_id = ? AND status <> ?", machineID, types.MachineDestroyed).
		Updates(updates).Error
}

// UpdateMachineBotStatus writes the machine's bot status with an explicit
// timestamp so the three-way reconciliation can share one instant.
func (d *Database) UpdateMachineBotStatus(machineID, botStatus string, at time.Time) error {
	return d.db.Model(&types.Machine{}).
		Where("machine_id = ? AND status <> ?", machineID, types.MachineDestroyed).
		Updates(map[string]interface{}{"bot_status": botStatus, "updated_at": at}).Error
}

func (d *Database) TouchMachineHealthCheck(machineID string, at time.Time) error {
	return d.db.Model(&types.Machine{}).
		Where("machine_id = ?", machineID).
		Update("last_health_check", at).Error
}

// UpsertDeployment creates or refreshes the deployment row for a machine.
// Re-issued upserts for the same deployment id are no-ops that return the
// existing row.
func (d *Database) UpsertDeployment(dep *types.Deployment) error {
	existing := types.Deployment{}
	err := d.db.Where("deployment_id = ?", dep.DeploymentID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(dep).Error
	}
	if err != nil {
		return err
	}
	dep.ID = existing.ID
	return d.db.Save(dep).Error
}

func (d *Database) GetDeployment(deploymentID string) (*types.Deployment, error) {
	var dep types.Deployment
	if err := d.db.Where("deployment_id = ?", deploymentID).First(&dep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dep, nil
}

func (d *Database) GetDeploymentByMachine(machineID string) (*types.Deployment, error) {
	var dep types.Deployment
	if err := d.db.Where("machine_id = ?", machineID).First(&dep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dep, nil
}

// UpdateDeploymentBotStatus writes a deployment's bot status with an
// explicit timestamp, for the same reason as the machine variant.
func (d *Database) UpdateDeploymentBotStatus(deploymentID, botStatus string, at time.Time) error {
	return d.db.Model(&types.Deployment{}).
		Where("deployment_id = ?", deploymentID).
		Updates(map[string]interface{}{"bot_status": botStatus, "updated_at": at}).Error
}

// AppendTimelineEvent records an operator-visible history entry. Metadata
// is marshalled to JSON; a nil map stores an empty blob.
func (d *Database) AppendTimelineEvent(provider, eventType, subtype, title, description string, metadata map[string]interface{}) error {
	blob := ""
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		blob = string(raw)
	}
	return d.db.Create(&types.TimelineEvent{
		Provider:     provider,
		EventType:    eventType,
		EventSubtype: subtype,
		Title:        title,
		Description:  description,
		Metadata:     blob,
		CreatedAt:    time.Now().UTC(),
	}).Error
}

func (d *Database) ListTimelineEvents(provider string, limit int) ([]types.TimelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := d.db.Order("created_at desc").Limit(limit)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var events []types.TimelineEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UpsertProviderCredential writes one encrypted credential field, keyed on
// the unique (provider, field_name) pair.
func (d *Database) UpsertProviderCredential(provider, fieldName, sealed string) error {
	cred := types.ProviderCredential{Provider: provider, FieldName: fieldName, ValueEncrypted: sealed}
	return d.db.Where("provider = ? AND field_name = ?", provider, fieldName).
		Assign(map[string]interface{}{"value_encrypted": sealed}).
		FirstOrCreate(&cred).Error
}

func (d *Database) GetProviderCredentials(provider string) ([]types.ProviderCredential, error) {
	var creds []types.ProviderCredential
	if err := d.db.Where("provider = ?", provider).Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func (d *Database) DeleteProviderCredentials(provider string) error {
	return d.db.Where("provider = ?", provider).Delete(&types.ProviderCredential{}).Error
}

// UpsertExchangeCredential mirrors the provider variant for exchange API keys.
func (d *Database) UpsertExchangeCredential(exchange, fieldName, sealed string) error {
	cred := types.ExchangeCredential{Exchange: exchange, FieldName: fieldName, ValueEncrypted: sealed}
	return d.db.Where("exchange = ? AND field_name = ?", exchange, fieldName).
		Assign(map[string]interface{}{"value_encrypted": sealed}).
		FirstOrCreate(&cred).Error
}

func (d *Database) GetExchangeCredentials(exchange string) ([]types.ExchangeCredential, error) {
	var creds []types.ExchangeCredential
	if err := d.db.Where("exchange = ?", exchange).Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

func (d *Database) ListExchangesWithCredentials() ([]string, error) {
	var exchanges []string
	if err := d.db.Model(&types.ExchangeCredential{}).
		Distinct("exchange").
		Pluck("exchange", &exchanges).Error; err != nil {
		return nil, err
	}
	return exchanges, nil
}
