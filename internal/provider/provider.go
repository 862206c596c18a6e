// Package provider implements a uniform lifecycle API across heterogeneous
// VPS clouds. Every adapter exposes the same eight operations behind the
// Adapter interface; the rest of the system never branches on provider name
// except when picking a catalog entry.
package provider

import (
	"context"
	"sort"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
)

// Credentials is the decrypted credential bundle for one provider,
// keyed by field name as declared in the adapter's schema.
type Credentials map[string]string

// CredentialField describes one required credential field.
type CredentialField struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Multiline bool   `json:"multiline"` // PEM keys and the like
}

// ValidationResult is the outcome of a non-mutating credential probe.
type ValidationResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// CreateRequest provisions a new instance. ClientRequestID makes the call
// idempotent on (provider, client_request_id).
type CreateRequest struct {
	Region          string
	Size            string
	Image           string
	SSHKeyRef       string
	ClientRequestID string
}

// CreateResult reports the provider-side id and when the instance is
// expected to be reachable. Consumers block on a poll with a deadline
// rather than busy-waiting on store change events.
type CreateResult struct {
	ProviderInstanceID string
	ExpectedReadyTime  time.Time
}

// InstanceStatus is the normalized provider-side state of an instance.
// State uses the machine status vocabulary from internal/types.
type InstanceStatus struct {
	State     string
	IPAddress string
}

// Plan is one entry of an adapter's region/size price catalog.
type Plan struct {
	Region      string          `json:"region"`
	Size        string          `json:"size"`
	HourlyUSD   decimal.Decimal `json:"hourly_usd"`
	MonthlyUSD  decimal.Decimal `json:"monthly_usd"`
	FreeTier    bool            `json:"free_tier"`
	Description string          `json:"description,omitempty"`
}

// Adapter is the per-cloud lifecycle contract. Lifecycle calls return
// errors classified with the control-plane taxonomy; destroying an
// already-destroyed instance succeeds.
type Adapter interface {
	Name() string
	CredentialSchema() []CredentialField
	Catalog() []Plan

	ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error)
	CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error)
	GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error)
	RebootInstance(ctx context.Context, creds Credentials, instanceID string) error
	StopInstance(ctx context.Context, creds Credentials, instanceID string) error
	StartInstance(ctx context.Context, creds Credentials, instanceID string) error
	DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error
}

// Factory is a factory function type for creating adapters
type Factory func() Adapter

// registry holds all registered adapter factories
var registry = make(map[string]Factory)

// Register registers an adapter factory under a provider name.
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Create creates a new adapter instance by provider name.
func Create(name string) (Adapter, error) {
	factory, exists := registry[name]
	if !exists {
		return nil, types.E(types.KindPermanent, "unknown provider: %s", name)
	}
	return factory(), nil
}

// Registered returns the sorted list of all registered provider names.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BundleComplete reports whether the credential bundle carries every field
// the adapter's schema requires.
func BundleComplete(a Adapter, creds Credentials) bool {
	for _, f := range a.CredentialSchema() {
		if creds[f.Name] == "" {
			return false
		}
	}
	return true
}
