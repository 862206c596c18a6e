package provider

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
)

func init() {
	Register("oracle", func() Adapter {
		return &OracleAdapter{baseURL: "https://iaas.ap-tokyo-1.oraclecloud.com/20160918"}
	})
}

// OracleAdapter drives the OCI compute API. Requests are signed with the
// tenancy's RSA private key: an rsa-sha256 signature over the request
// target, date and host headers, with the key fingerprint in the keyId.
// Oracle's always-free ampere shapes make it the cheapest standby region.
type OracleAdapter struct {
	baseURL string
}

func (a *OracleAdapter) Name() string { return "oracle" }

func (a *OracleAdapter) CredentialSchema() []CredentialField {
	return []CredentialField{
		{Name: "tenancy_ocid", Label: "Tenancy OCID"},
		{Name: "user_ocid", Label: "User OCID"},
		{Name: "fingerprint", Label: "API Key Fingerprint"},
		{Name: "private_key", Label: "API Private Key (PEM)", Multiline: true},
		{Name: "compartment_ocid", Label: "Compartment OCID"},
	}
}

func (a *OracleAdapter) Catalog() []Plan {
	return []Plan{
		{Region: "ap-tokyo-1", Size: "VM.Standard.A1.Flex", HourlyUSD: decimal.Zero, MonthlyUSD: decimal.Zero, FreeTier: true, Description: "Tokyo, always-free ampere"},
		{Region: "ap-singapore-1", Size: "VM.Standard.A1.Flex", HourlyUSD: decimal.Zero, MonthlyUSD: decimal.Zero, FreeTier: true, Description: "Singapore, always-free ampere"},
		{Region: "ap-tokyo-1", Size: "VM.Standard.E4.Flex", HourlyUSD: decimal.NewFromFloat(0.025), MonthlyUSD: decimal.NewFromFloat(18.00), Description: "Tokyo, paid x86"},
	}
}

// signRequest sets the OCI signature headers on req for the given method
// and path.
func (a *OracleAdapter) signRequest(creds Credentials, req *resty.Request, method, path string) error {
	block, _ := pem.Decode([]byte(creds["private_key"]))
	if block == nil {
		return types.E(types.KindNoCredentials, "oracle: private key is not valid PEM")
	}
	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else if k8, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k8.(*rsa.PrivateKey)
		if !ok {
			return types.E(types.KindNoCredentials, "oracle: private key is not RSA")
		}
		key = rk
	} else {
		return types.WrapKind(types.KindNoCredentials, err, "oracle: parse private key")
	}

	u, err := url.Parse(a.baseURL)
	if err != nil {
		return err
	}
	date := time.Now().UTC().Format(http.TimeFormat)

	var signing bytes.Buffer
	fmt.Fprintf(&signing, "(request-target): %s %s\n", strings.ToLower(method), u.Path+path)
	fmt.Fprintf(&signing, "date: %s\n", date)
	fmt.Fprintf(&signing, "host: %s", u.Host)

	digest := sha256.Sum256(signing.Bytes())
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return types.WrapKind(types.KindNoCredentials, err, "oracle: sign request")
	}

	keyID := fmt.Sprintf("%s/%s/%s", creds["tenancy_ocid"], creds["user_ocid"], creds["fingerprint"])
	req.SetHeader("Date", date)
	req.SetHeader("Authorization", fmt.Sprintf(
		`Signature version="1",keyId="%s",algorithm="rsa-sha256",headers="(request-target) date host",signature="%s"`,
		keyID, base64.StdEncoding.EncodeToString(sig)))
	return nil
}

func (a *OracleAdapter) request(ctx context.Context, creds Credentials, method, path string) (*resty.Request, error) {
	req := resty.New().
		SetBaseURL(a.baseURL).
		SetTimeout(10*time.Second).
		R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")
	if err := a.signRequest(creds, req, method, path); err != nil {
		return nil, err
	}
	return req, nil
}

func (a *OracleAdapter) ValidateCredentials(ctx context.Context, creds Credentials) (*ValidationResult, error) {
	path := "/instances?compartmentId=" + url.QueryEscape(creds["compartment_ocid"]) + "&limit=1"
	req, err := a.request(ctx, creds, http.MethodGet, path)
	if err != nil {
		return &ValidationResult{Valid: false, Message: err.Error()}, nil
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, classify(nil, err, "oracle validate")
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return &ValidationResult{Valid: false, Message: "OCI rejected the request signature"}, nil
	}
	if resp.IsError() {
		return &ValidationResult{Valid: false, Message: resp.String()}, nil
	}
	return &ValidationResult{Valid: true}, nil
}

type oracleInstance struct {
	ID             string `json:"id"`
	LifecycleState string `json:"lifecycleState"` // PROVISIONING, RUNNING, STOPPING, STOPPED, TERMINATING, TERMINATED
	PublicIP       string `json:"publicIp,omitempty"`
}

func (a *OracleAdapter) CreateInstance(ctx context.Context, creds Credentials, req CreateRequest) (*CreateResult, error) {
	var out oracleInstance
	err := withRetry(ctx, func() error {
		r, err := a.request(ctx, creds, http.MethodPost, "/instances")
		if err != nil {
			return err
		}
		resp, err := r.
			SetHeader("opc-retry-token", req.ClientRequestID).
			SetBody(map[string]interface{}{
				"compartmentId":      creds["compartment_ocid"],
				"availabilityDomain": req.Region,
				"shape":              req.Size,
				"displayName":        "hft-" + req.ClientRequestID,
				"metadata":           map[string]string{"managed-by": "fleet-api"},
			}).
			SetResult(&out).
			Post("/instances")
		return classify(resp, err, "oracle create")
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		ProviderInstanceID: out.ID,
		ExpectedReadyTime:  time.Now().Add(3 * time.Minute),
	}, nil
}

func (a *OracleAdapter) GetInstanceStatus(ctx context.Context, creds Credentials, instanceID string) (*InstanceStatus, error) {
	var out oracleInstance
	path := "/instances/" + instanceID
	err := withRetry(ctx, func() error {
		r, err := a.request(ctx, creds, http.MethodGet, path)
		if err != nil {
			return err
		}
		resp, err := r.SetResult(&out).Get(path)
		return classify(resp, err, "oracle status")
	})
	if err != nil {
		return nil, err
	}

	state := "error"
	switch out.LifecycleState {
	case "PROVISIONING", "STARTING":
		state = "creating"
	case "RUNNING":
		state = "running"
	case "STOPPING", "STOPPED":
		state = "stopped"
	case "TERMINATING", "TERMINATED":
		state = "destroyed"
	}
	return &InstanceStatus{State: state, IPAddress: out.PublicIP}, nil
}

func (a *OracleAdapter) RebootInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.instanceAction(ctx, creds, instanceID, "SOFTRESET")
}

func (a *OracleAdapter) StopInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.instanceAction(ctx, creds, instanceID, "SOFTSTOP")
}

func (a *OracleAdapter) StartInstance(ctx context.Context, creds Credentials, instanceID string) error {
	return a.instanceAction(ctx, creds, instanceID, "START")
}

func (a *OracleAdapter) DestroyInstance(ctx context.Context, creds Credentials, instanceID string) error {
	path := "/instances/" + instanceID
	return withRetry(ctx, func() error {
		r, err := a.request(ctx, creds, http.MethodDelete, path)
		if err != nil {
			return err
		}
		resp, err := r.Delete(path)
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return classify(resp, err, "oracle destroy")
	})
}

func (a *OracleAdapter) instanceAction(ctx context.Context, creds Credentials, instanceID, action string) error {
	path := "/instances/" + instanceID + "?action=" + action
	return withRetry(ctx, func() error {
		r, err := a.request(ctx, creds, http.MethodPost, path)
		if err != nil {
			return err
		}
		resp, err := r.Post(path)
		return classify(resp, err, "oracle "+strings.ToLower(action))
	})
}
