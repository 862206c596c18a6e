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
	Register("digitalocean", func() Adapter {
		return &DigitalOceanAdapter{baseURL: "https://api.digitalocean.com/v2"}
	})
}

// DigitalOceanAdapter drives the DigitalOcean v2 API using bearer-token auth.
// Droplet ids are numeric on the wire but handled as strings everywhere else.
type DigitalOceanAdapter struct {
	baseURL string
}

func (a *DigitalOceanAdapter) Name() string { return "digitalocean" }

func (a *DigitalOceanAdapter) CredentialSchema() []CredentialField {
	return []CredentialField{
		{Name: "access_token", Label: "Personal Access Token"},
	}
}

func (a *DigitalOceanAdapter) Catalog() []Plan {
	return []Plan{
		{Region: "sgp1", Size: "s-1vcpu-2gb", HourlyUSD: decimal.NewFromFloat(0.018), MonthlyUSD: decimal.NewFromFloat(12.00), Description: "Singapore"},
		{Region: "fra1", Size: "s-1vcpu-2gb", HourlyUSD: decimal.NewFromFloat(0.018), MonthlyUSD: decimal.NewFromFloat(12.00), Description: "Frankfurt"},
		{Region: "nyc3", Size: "s-1vcpu-2gb", HourlyUSD: decimal.NewFromFloat(0.018), MonthlyUSD: decimal.NewFromFloat(12.00), Description: "New York"},
		{Region: "sgp1", Size: "s-2vcpu-4gb", HourlyUSD: decimal.NewFromFloat(0.036), MonthlyUSD: decimal.NewFromFloat(24.00), Description: "Singapore, 2 vCPU"},
	}
}

func (a *DigitalOceanAdapter) client(creds Credentials) *resty.Client {
	return resty.New().
		SetBaseURL(a.baseURL).
		SetTimeout(10 * time.Second).
		SetAuthToken(creds["access_token"]).
		SetHeader("Content-Type", "application/json")
}

func (a *DigitalOceanAdapter) ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	resp, err := a.client(creds).R().SetContext(ctx).Get("/account")
	if err != nil {
		return nil, classify(nil, err, "digitalocean validate")
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return &ValidationResult{Valid: false, Message: "DigitalOcean rejected the access token"}, nil
	}
	if resp.IsError() {
		return &ValidationResult{Valid: false, Message: resp.String()}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

type doDroplet struct {
	ID       int64  `json:"id"`
	Status   string `json:"status"` // new, active, off, archive
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (d doDroplet) publicIP() string {
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			return n.IPAddress
		}
	}
	return ""
}

func (a *DigitalOceanAdapter) CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error) {
	image := req.Image
	if image == "" {
		image = "debian-12-x64"
	}
	var out struct {
		Droplet doDroplet `json:"droplet"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetHeader("X-Request-Id", req.ClientRequestID).
			SetBody(map[string]interface{}{
				"name":   "hft-" + req.ClientRequestID,
				"region": req.Region,
				"size":   req.Size,
				"image":  image,
				"tags":   []string{"fleet-api"},
			}).
			SetResult(&out).
			Post("/droplets")
		return classify(resp, err, "digitalocean create")
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		ProviderInstanceID: fmt.Sprintf("%d", out.Droplet.ID),
		ExpectedReadyTime:  time.Now().Add(60 * time.Second),
	}, nil
}

func (a *DigitalOceanAdapter) GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error) {
	var out struct {
		Droplet doDroplet `json:"droplet"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetResult(&out).
			Get("/droplets/" + instanceID)
		return classify(resp, err, "digitalocean status")
	})
	if err != nil {
		return nil, err
	}

	state := "error"
	switch out.Droplet.Status {
	case "new":
		state = "creating"
	case "active":
		state = "running"
	case "off":
		state = "stopped"
	}
	return &InstanceStatus{State: state, IPAddress: out.Droplet.publicIP()}, nil
}

func (a *DigitalOceanAdapter) RebootInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.dropletAction(ctx, creds, instanceID, "reboot")
}

func (a *DigitalOceanAdapter) StopInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.dropletAction(ctx, creds, instanceID, "power_off")
}

func (a *DigitalOceanAdapter) StartInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.dropletAction(ctx, creds, instanceID, "power_on")
}

func (a *DigitalOceanAdapter) DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().SetContext(ctx).Delete("/droplets/" + instanceID)
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return classify(resp, err, "digitalocean destroy")
	})
}

func (a *DigitalOceanAdapter) dropletAction(ctx context.Context, creds Credentials, instanceID, action string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(creds).R().
			SetContext(ctx).
			SetBody(map[string]string{"type": action}).
			Post("/droplets/" + instanceID + "/actions")
		return classify(resp, err, "digitalocean "+action)
	})
}
