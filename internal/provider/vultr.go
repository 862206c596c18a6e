package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

func init() {
	Register("vultr", func() Adapter { return &VultrAdapter{baseURL: "https://api.vultr.com/v2"} })
}

// VultrAdapter drives the Vultr v2 API using bearer-token auth.
type VultrAdapter struct {
	baseURL string
}

func (a *VultrAdapter) Name() string { return "vultr" }

func (a *VultrAdapter) CredentialSchema() []CredentialField {
	return []CredentialField{
		{Name: "api_key", Label: "API Key"},
	}
}

func (a *VultrAdapter) Catalog() []Plan {
	return []Plan{
		{Region: "nrt", Size: "vhp-1c-2gb", HourlyUSD: decimal.NewFromFloat(0.018), MonthlyUSD: decimal.NewFromFloat(12.00), Description: "Tokyo, near Binance/bitFlyer colo"},
		{Region: "sgp", Size: "vhp-1c-2gb", HourlyUSD: decimal.NewFromFloat(0.018), MonthlyUSD: decimal.NewFromFloat(12.00), Description: "Singapore"},
		{Region: "fra", Size: "vhp-1c-2gb", HourlyUSD: decimal.NewFromFloat(0.018), MonthlyUSD: decimal.NewFromFloat(12.00), Description: "Frankfurt"},
		{Region: "nrt", Size: "vhp-2c-4gb", HourlyUSD: decimal.NewFromFloat(0.036), MonthlyUSD: decimal.NewFromFloat(24.00), Description: "Tokyo, 2 vCPU"},
	}
}

func (a *VultrAdapter) client(creds Credentials) *resty.Client {
	return resty.New().
		SetBaseURL(a.baseURL).
		SetTimeout(10 * time.Second).
		SetAuthToken(creds["api_key"]).
		SetHeader("Content-Type", "application/json")
}

func (a *VultrAdapter) ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	resp, err := a.client(creds).R().SetContext(ctx).Get("/account")
	if err != nil {
		return nil, classify(nil, err, "vultr validate")
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return &ValidationResult{Valid: false, Message: "Vultr rejected the API key"}, nil
	}
	if resp.IsError() {
		return &ValidationResult{Valid: false, Message: resp.String()}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

type vultrInstance struct {
	ID         string `json:"id"`
	Status     string `json:"status"`       // pending, active
	PowerState string `json:"power_status"` // running, stopped
	MainIP     string `json:"main_ip"`
}

func (a *VultrAdapter) CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error) {
	var out struct {
		Instance vultrInstance `json:"instance"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetHeader("X-Request-Id", req.ClientRequestID).
			SetBody(map[string]interface{}{
				"region":   req.Region,
				"plan":     req.Size,
				"os_id":    2136, // Debian 12
				"label":    "hft-" + req.ClientRequestID,
				"tag":      "fleet-api",
				"hostname": "hft-" + req.Region,
			}).
			SetResult(&out).
			Post("/instances")
		return classify(resp, err, "vultr create")
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		ProviderInstanceID: out.Instance.ID,
		ExpectedReadyTime:  time.Now().Add(90 * time.Second),
	}, nil
}

func (a *VultrAdapter) GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error) {
	var out struct {
		Instance vultrInstance `json:"instance"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetResult(&out).
			Get("/instances/" + instanceID)
		return classify(resp, err, "vultr status")
	})
	if err != nil {
		return nil, err
	}
	return &InstanceStatus{
		State:     vultrState(out.Instance),
		IPAddress: out.Instance.MainIP,
	}, nil
}

func (a *VultrAdapter) RebootInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().SetContext(ctx).Post("/instances/" + instanceID + "/reboot")
		return classify(resp, err, "vultr reboot")
	})
}

func (a *VultrAdapter) StopInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().SetContext(ctx).Post("/instances/" + instanceID + "/halt")
		return classify(resp, err, "vultr stop")
	})
}

func (a *VultrAdapter) StartInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().SetContext(ctx).Post("/instances/" + instanceID + "/start")
		return classify(resp, err, "vultr start")
	})
}

func (a *VultrAdapter) DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().SetContext(ctx).Delete("/instances/" + instanceID)
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			// Already destroyed
			return nil
		}
		return classify(resp, err, "vultr destroy")
	})
}

func vultrState(in vultrInstance) string {
	switch {
	case in.Status == "pending":
		return "creating"
	case in.PowerState == "running":
		return "running"
	case in.PowerState == "stopped":
		return "stopped"
	default:
		return "error"
	}
}
