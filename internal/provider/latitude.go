package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

func init() {
	Register("latitude", func() Adapter {
		return &LatitudeAdapter{baseURL: "https://api.latitude.sh"}
	})
}

// LatitudeAdapter drives the Latitude.sh bare-metal API. Requests carry a
// signed header: HMAC-SHA256 of "<timestamp>:<method>:<path>" keyed with
// the API secret, alongside the key id and timestamp.
type LatitudeAdapter struct {
	baseURL string
}

func (a *LatitudeAdapter) Name() string { return "latitude" }

func (a *LatitudeAdapter) CredentialSchema() []CredentialField {
	return []CredentialField{
		{Name: "api_key", Label: "API Key ID"},
		{Name: "api_secret", Label: "API Secret"},
		{Name: "project_id", Label: "Project ID"},
	}
}

func (a *LatitudeAdapter) Catalog() []Plan {
	return []Plan{
		{Region: "TYO", Size: "c2-small-x86", HourlyUSD: decimal.NewFromFloat(0.50), MonthlyUSD: decimal.NewFromFloat(300.00), Description: "Tokyo bare metal, lowest jitter"},
		{Region: "SAO", Size: "c2-small-x86", HourlyUSD: decimal.NewFromFloat(0.37), MonthlyUSD: decimal.NewFromFloat(220.00), Description: "Sao Paulo bare metal"},
	}
}

// sign computes the request signature for the given method and path at
// time now.
func (a *LatitudeAdapter) sign(creds Credentials, method, path string, now time.Time) (timestamp, signature string) {
	timestamp = strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(creds["api_secret"]))
	fmt.Fprintf(mac, "%s:%s:%s", timestamp, method, path)
	return timestamp, hex.EncodeToString(mac.Sum(nil))
}

func (a *LatitudeAdapter) request(creds Credentials, method, path string) *resty.Request {
	ts, sig := a.sign(creds, method, path, time.Now())
	return resty.New().
		SetBaseURL(a.baseURL).
		SetTimeout(10*time.Second).
		R().
		SetHeader("X-Api-Key", creds["api_key"]).
		SetHeader("X-Timestamp", ts).
		SetHeader("X-Signature", sig).
		SetHeader("Content-Type", "application/json")
}

func (a *LatitudeAdapter) ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	resp, err := a.request(creds, http.MethodGet, "/regions").SetContext(ctx).Get("/regions")
	if err != nil {
		return nil, classify(nil, err, "latitude validate")
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return &ValidationResult{Valid: false, Message: "Latitude rejected the signed request"}, nil
	}
	if resp.IsError() {
		return &ValidationResult{Valid: false, Message: resp.String()}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

type latitudeServer struct {
	ID     string `json:"id"`
	Status string `json:"status"` // deploying, on, off
	IP     string `json:"primary_ipv4"`
}

func (a *LatitudeAdapter) CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error) {
	var out struct {
		Server latitudeServer `json:"server"`
	}
	err := withRetry(ctx, func() error {
		resp, err := a.request(creds, http.MethodPost, "/servers").
			SetContext(ctx).
			SetHeader("X-Request-Id", req.ClientRequestID).
			SetBody(map[string]interface{}{
				"project":          creds["project_id"],
				"site":             req.Region,
				"plan":             req.Size,
				"operating_system": "debian_12",
				"hostname":         "hft-" + req.ClientRequestID,
			}).
			SetResult(&out).
			Post("/servers")
		return classify(resp, err, "latitude create")
	})
	if err != nil {
		return nil, err
	}
	// Bare metal deploys are slow compared to VMs.
	return &CreateResult{
		ProviderInstanceID: out.Server.ID,
		ExpectedReadyTime:  time.Now().Add(10 * time.Minute),
	}, nil
}

func (a *LatitudeAdapter) GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error) {
	var out struct {
		Server latitudeServer `json:"server"`
	}
	path := "/servers/" + instanceID
	err := withRetry(ctx, func() error {
		resp, err := a.request(creds, http.MethodGet, path).
			SetContext(ctx).
			SetResult(&out).
			Get(path)
		return classify(resp, err, "latitude status")
	})
	if err != nil {
		return nil, err
	}

	state := "error"
	switch out.Server.Status {
	case "deploying":
		state = "creating"
	case "on":
		state = "running"
	case "off":
		state = "stopped"
	}
	return &InstanceStatus{State: state, IPAddress: out.Server.IP}, nil
}

func (a *LatitudeAdapter) RebootInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.serverAction(ctx, creds, instanceID, "reboot")
}

func (a *LatitudeAdapter) StopInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.serverAction(ctx, creds, instanceID, "power_off")
}

func (a *LatitudeAdapter) StartInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.serverAction(ctx, creds, instanceID, "power_on")
}

func (a *LatitudeAdapter) DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error {
	path := "/servers/" + instanceID
	return withRetry(ctx, func() error {
		resp, err := a.request(creds, http.MethodDelete, path).SetContext(ctx).Delete(path)
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return classify(resp, err, "latitude destroy")
	})
}

func (a *LatitudeAdapter) serverAction(ctx context.Context, creds Credentials, instanceID, action string) error {
	path := "/servers/" + instanceID + "/actions"
	return withRetry(ctx, func() error {
		resp, err := a.request(creds, http.MethodPost, path).
			SetContext(ctx).
			SetBody(map[string]string{"action": action}).
			Post(path)
		return classify(resp, err, "latitude "+action)
	})
}
