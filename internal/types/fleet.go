package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Machine lifecycle statuses
const (
	MachineCreating  = "creating"
	MachineRunning   = "running"
	MachineRebooting = "rebooting"
	MachineStopped   = "stopped"
	MachineError     = "error"
	MachineDestroyed = "destroyed"
)

// Bot lifecycle statuses. Standby means the container answers health checks
// but the start-signal file is absent, so trading is not armed.
const (
	BotStopped     = "stopped"
	BotStarting    = "starting"
	BotRunning     = "running"
	BotStandby     = "standby"
	BotError       = "error"
	BotNotDeployed = "not_deployed"
)

// Machine is a cloud VM provisioned on one of the supported providers.
// MachineID is opaque and stable across provider-side rebuilds.
type Machine struct {
	gorm.Model         `json:"-"`
	MachineID          string          `gorm:"uniqueIndex" json:"machine_id"`
	Provider           string          `json:"provider"`
	ProviderInstanceID string          `json:"provider_instance_id"`
	Region             string          `json:"region"`
	Size               string          `json:"size"`
	Nickname           string          `json:"nickname,omitempty"`
	IPAddress          string          `json:"ip_address,omitempty"` // empty only while status is creating
	SSHKeyRef          string          `json:"ssh_key_ref,omitempty"`
	MonthlyCost        decimal.Decimal `gorm:"type:decimal(12,2)" json:"monthly_cost"`
	Status             string          `json:"status"`
	BotStatus          string          `json:"bot_status"`
	LastHealthCheck    *time.Time      `json:"last_health_check,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Deployment links a machine to a bot installation and its lifecycle state.
type Deployment struct {
	gorm.Model   `json:"-"`
	DeploymentID string    `gorm:"uniqueIndex" json:"deployment_id"`
	MachineID    string    `gorm:"index" json:"machine_id"`
	ServerID     string    `json:"server_id"`
	BotStatus    string    `json:"bot_status"`
	SSHKeyRef    string    `json:"ssh_key_ref,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FailoverRecord tracks one provider's machine in the failover set.
// At most one enabled record may have IsPrimary set at any time; the
// failover controller is the only writer of that flag.
type FailoverRecord struct {
	gorm.Model          `json:"-"`
	Provider            string     `gorm:"uniqueIndex" json:"provider"`
	MachineID           string     `json:"machine_id"`
	Priority            int        `json:"priority"` // tie-breaker only, lower wins
	IsPrimary           bool       `json:"is_primary"`
	IsEnabled           bool       `json:"is_enabled"`
	Region              string     `json:"region"`
	LatencyMs           float64    `json:"latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
	AutoFailoverEnabled bool       `json:"auto_failover_enabled"`
	DemotedAt           *time.Time `json:"demoted_at,omitempty"` // recently demoted machines sit out re-promotion
}

// TimelineEvent is an append-only operator-visible history entry
// (deployments, failovers, benchmark runs, cost suggestions).
type TimelineEvent struct {
	gorm.Model   `json:"-"`
	Provider     string    `gorm:"index" json:"provider"`
	EventType    string    `json:"event_type"`
	EventSubtype string    `json:"event_subtype,omitempty"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Metadata     string    `json:"metadata,omitempty"` // JSON blob
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderCredential stores one encrypted credential field for a provider.
// The (provider, field_name) pair is unique; the bundle for a provider is
// complete when every field its adapter schema requires is present.
type ProviderCredential struct {
	gorm.Model     `json:"-"`
	Provider       string `gorm:"uniqueIndex:idx_provider_field" json:"provider"`
	FieldName      string `gorm:"uniqueIndex:idx_provider_field" json:"field_name"`
	ValueEncrypted string `json:"-"`
}

// SSHKeyBlob is an encrypted SSH private key, AES-GCM sealed with a key
// derived from the process secret (PBKDF2, per-blob salt).
type SSHKeyBlob struct {
	gorm.Model `json:"-"`
	KeyRef     string `gorm:"uniqueIndex" json:"key_ref"`
	Ciphertext []byte `json:"-"`
	Salt       []byte `json:"-"`
	Nonce      []byte `json:"-"`
}
