package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

func init() {
	Register("hetzner", func() Adapter {
		return &HetznerAdapter{baseURL: "https://api.hetzner.cloud/v1"}
	})
}

// HetznerAdapter drives the Hetzner Cloud v1 API using bearer-token auth.
// Hetzner has no separate create-pending status; a server boots straight
// into "initializing" then "running".
type HetznerAdapter struct {
	baseURL string
}

func (a *HetznerAdapter) Name() string { return "hetzner" }

func (a *HetznerAdapter) CredentialSchema() []CredentialField {
	return []CredentialField{
		{Name: "api_token", Label: "API Token"},
	}
}

func (a *HetznerAdapter) Catalog() []Plan {
	return []Plan{
		{Region: "fsn1", Size: "cx22", HourlyUSD: decimal.NewFromFloat(0.006), MonthlyUSD: decimal.NewFromFloat(3.79), Description: "Falkenstein, cheapest in fleet"},
		{Region: "nbg1", Size: "cx22", HourlyUSD: decimal.NewFromFloat(0.006), MonthlyUSD: decimal.NewFromFloat(3.79), Description: "Nuremberg"},
		{Region: "hel1", Size: "cx32", HourlyUSD: decimal.NewFromFloat(0.011), MonthlyUSD: decimal.NewFromFloat(6.80), Description: "Helsinki, 4 vCPU"},
	}
}

func (a *HetznerAdapter) client(creds Credentials) *resty.Client {
	return resty.New().
		SetBaseURL(a.baseURL).
		SetTimeout(10 * time.Second).
		SetAuthToken(creds["api_token"]).
		SetHeader("Content-Type", "application/json")
}

func (a *HetznerAdapter) ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	resp, err := a.client(creds).R().SetContext(ctx).Get("/locations")
	if err != nil {
		return nil, classify(nil, err, "hetzner validate")
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return &ValidationResult{Valid: false, Message: "Hetzner rejected the API token"}, nil
	}
	if resp.IsError() {
		return &ValidationResult{Valid: false, Message: resp.String()}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

type hetznerServer struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"` // initializing, starting, running, stopping, off, deleting
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

func (a *HetznerAdapter) CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error) {
	image := req.Image
	if image == "" {
		image = "debian-12"
	}
	var out struct {
		Server hetznerServer `json:"server"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetHeader("X-Idempotency-Key", req.ClientRequestID).
			SetBody(map[string]interface{}{
				"name":        "hft-" + req.ClientRequestID,
				"location":    req.Region,
				"server_type": req.Size,
				"image":       image,
				"labels":      map[string]string{"managed-by": "fleet-api"},
			}).
			SetResult(&out).
			Post("/servers")
		return classify(resp, err, "hetzner create")
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		ProviderInstanceID: fmt.Sprintf("%d", out.Server.ID),
		ExpectedReadyTime:  time.Now().Add(30 * time.Second),
	}, nil
}

func (a *HetznerAdapter) GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error) {
	var out struct {
		Server hetznerServer `json:"server"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetResult(&out).
			Get("/servers/" + instanceID)
		return classify(resp, err, "hetzner status")
	})
	if err != nil {
		return nil, err
	}

	state := "error"
	switch out.Server.Status {
	case "initializing", "starting":
		state = "creating"
	case "running":
		state = "running"
	case "stopping", "off":
		state = "stopped"
	case "deleting":
		state = "destroyed"
	}
	return &InstanceStatus{State: state, IPAddress: out.Server.PublicNet.IPv4.IP}, nil
}

func (a *HetznerAdapter) RebootInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.serverAction(ctx, creds, instanceID, "reboot")
}

func (a *HetznerAdapter) StopInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.serverAction(ctx, creds, instanceID, "poweroff")
}

func (a *HetznerAdapter) StartInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.serverAction(ctx, creds, instanceID, "poweron")
}

func (a *HetznerAdapter) DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().SetContext(ctx).Delete("/servers/" + instanceID)
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return classify(resp, err, "hetzner destroy")
	})
}

func (a *HetznerAdapter) serverAction(ctx context.Context, creds Credentials, instanceID, action string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			Post("/servers/" + instanceID + "/actions/" + action)
		return classify(resp, err, "hetzner "+action)
	})
}
