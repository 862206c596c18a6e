package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2/clientcredentials"
)

func init() {
	Register("ovh", func() Adapter {
		return &OVHAdapter{
			baseURL:  "https://eu.api.ovh.com/v1",
			tokenURL: "https://www.ovh.com/auth/oauth2/token",
		}
	})
}

// OVHAdapter drives the OVHcloud public API using OAuth2 client-credentials.
// The oauth2 transport caches and refreshes the access token internally, so
// each call reuses the same token source for a given credential bundle.
type OVHAdapter struct {
	baseURL  string
	tokenURL string
}

func (a *OVHAdapter) Name() string { return "ovh" }

func (a *OVHAdapter) CredentialSchema() []CredentialField {
	return []CredentialField{
		{Name: "client_id", Label: "OAuth2 Client ID"},
		{Name: "client_secret", Label: "OAuth2 Client Secret"},
		{Name: "project_id", Label: "Public Cloud Project ID"},
	}
}

func (a *OVHAdapter) Catalog() []Plan {
	return []Plan{
		{Region: "GRA11", Size: "b2-7", HourlyUSD: decimal.NewFromFloat(0.035), MonthlyUSD: decimal.NewFromFloat(22.00), Description: "Gravelines"},
		{Region: "SGP1", Size: "b2-7", HourlyUSD: decimal.NewFromFloat(0.042), MonthlyUSD: decimal.NewFromFloat(26.00), Description: "Singapore"},
		{Region: "GRA11", Size: "b2-15", HourlyUSD: decimal.NewFromFloat(0.070), MonthlyUSD: decimal.NewFromFloat(44.00), Description: "Gravelines, 4 vCPU"},
	}
}

func (a *OVHAdapter) client(ctx context.Context, creds Credentials) *resty.Client {
	cc := clientcredentials.Config{
		ClientID:     creds["client_id"],
		ClientSecret: creds["client_secret"],
		TokenURL:     a.tokenURL,
		Scopes:       []string{"all"},
	}
	return resty.NewWithClient(cc.Client(ctx)).
		SetBaseURL(a.baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func (a *OVHAdapter) projectPath(creds Credentials, suffix string) string {
	return "/cloud/project/" + creds["project_id"] + suffix
}

func (a *OVHAdapter) ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	resp, err := a.client(ctx, creds).R().SetContext(ctx).Get(a.projectPath(creds, "/region"))
	if err != nil {
		// clientcredentials surfaces a token exchange failure as a transport
		// error, which for validation means the credentials are bad.
		return &ValidationResult{Valid: false, Message: "OAuth2 token exchange failed: " + err.Error()}, nil
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return &ValidationResult{Valid: false, Message: "OVH rejected the client credentials"}, nil
	}
	if resp.IsError() {
		return &ValidationResult{Valid: false, Message: resp.String()}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

type ovhInstance struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // BUILD, ACTIVE, SHUTOFF, DELETED, ERROR
	IPAddresses []struct {
		IP   string `json:"ip"`
		Type string `json:"type"`
	} `json:"ipAddresses"`
}

func (i ovhInstance) publicIP() string {
	for _, addr := range i.IPAddresses {
		if addr.Type == "public" {
			return addr.IP
		}
	}
	return ""
}

func (a *OVHAdapter) CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error) {
	var out ovhInstance
	err := withRetry(ctx, func() error {
		resp, err := a.client(ctx, creds).R().
			SetContext(ctx).
			SetHeader("X-Request-Id", req.ClientRequestID).
			SetBody(map[string]interface{}{
				"name":     "hft-" + req.ClientRequestID,
				"region":   req.Region,
				"flavorId": req.Size,
				"imageId":  req.Image,
			}).
			SetResult(&out).
			Post(a.projectPath(creds, "/instance"))
		return classify(resp, err, "ovh create")
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		ProviderInstanceID: out.ID,
		ExpectedReadyTime:  time.Now().Add(2 * time.Minute),
	}, nil
}

func (a *OVHAdapter) GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error) {
	var out ovhInstance
	err := withRetry(ctx, func() error {
		resp, err := a.client(ctx, creds).R().
			SetContext(ctx).
			SetResult(&out).
			Get(a.projectPath(creds, "/instance/"+instanceID))
		return classify(resp, err, "ovh status")
	})
	if err != nil {
		return nil, err
	}

	state := "error"
	switch out.Status {
	case "BUILD":
		state = "creating"
	case "ACTIVE":
		state = "running"
	case "SHUTOFF":
		state = "stopped"
	case "DELETED":
		state = "destroyed"
	}
	return &InstanceStatus{State: state, IPAddress: out.publicIP()}, nil
}

func (a *OVHAdapter) RebootInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(ctx, creds).R().
			SetContext(ctx).
			SetBody(map[string]string{"type": "soft"}).
			Post(a.projectPath(creds, "/instance/"+instanceID+"/reboot"))
		return classify(resp, err, "ovh reboot")
	})
}

func (a *OVHAdapter) StopInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(ctx, creds).R().
			SetContext(ctx).
			Post(a.projectPath(creds, "/instance/"+instanceID+"/stop"))
		return classify(resp, err, "ovh stop")
	})
}

func (a *OVHAdapter) StartInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(ctx, creds).R().
			SetContext(ctx).
			Post(a.projectPath(creds, "/instance/"+instanceID+"/start"))
		return classify(resp, err, "ovh start")
	})
}

func (a *OVHAdapter) DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return withRetry(ctx, func() error {
		resp, err := a.client(ctx, creds).R().
			SetContext(ctx).
			Delete(a.projectPath(creds, "/instance/"+instanceID))
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return classify(resp, err, "ovh destroy")
	})
}
