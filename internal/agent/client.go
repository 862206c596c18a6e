// Package agent is the typed HTTP client for the on-host control agent.
// Every machine in the fleet exposes the same surface on its control port:
// /health, /ping-exchanges, /bot/status, /control and /place-order.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/shopspring/decimal"
)

// Deadlines per operation class. Health probes double as latency samples,
// so they stay short; order placement gets the longest budget.
const (
	HealthTimeout  = 5 * time.Second
	ControlTimeout = 10 * time.Second
	OrderTimeout   = 15 * time.Second
)

// Client talks to one machine's agent.
type Client struct {
	baseURL string
	http    *resty.Client
}

// NewClient creates a client for the agent at ip:port.
func NewClient(ip string, port int) *Client {
	base := fmt.Sprintf("http://%s:%d", ip, port)
	return &Client{
		baseURL: base,
		http: resty.New().
			SetBaseURL(base).
			SetHeader("Content-Type", "application/json"),
	}
}

// Health probes /health. The error is classified Transient on any failure
// so the failover controller treats unreachable and unhealthy alike.
func (c *Client) Health(ctx context.Context) (*types.AgentHealth, error) {
	var out types.AgentHealth
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/health")
	if err != nil {
		return nil, types.WrapKind(types.KindTransient, err, "agent health")
	}
	if resp.IsError() {
		return nil, types.E(types.KindTransient, "agent health: status %d", resp.StatusCode())
	}
	return &out, nil
}

// PingExchanges asks the agent to measure latency to each exchange endpoint
// from the machine itself.
func (c *Client) PingExchanges(ctx context.Context) ([]types.ExchangePing, error) {
	var out struct {
		Results []types.ExchangePing `json:"results"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/ping-exchanges")
	if err != nil {
		return nil, types.WrapKind(types.KindTransient, err, "agent ping-exchanges")
	}
	if resp.IsError() {
		return nil, types.E(types.KindTransient, "agent ping-exchanges: status %d", resp.StatusCode())
	}
	return out.Results, nil
}

// BotStatus reports whether the trading container is running.
func (c *Client) BotStatus(ctx context.Context) (running bool, uptime float64, err error) {
	var out struct {
		Running bool    `json:"running"`
		Uptime  float64 `json:"uptime,omitempty"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/bot/status")
	if err != nil {
		return false, 0, types.WrapKind(types.KindTransient, err, "agent bot status")
	}
	if resp.IsError() {
		return false, 0, types.E(types.KindTransient, "agent bot status: status %d", resp.StatusCode())
	}
	return out.Running, out.Uptime, nil
}

// ControlRequest is the /control payload.
type ControlRequest struct {
	Action string            `json:"action"` // start, stop, restart
	Mode   string            `json:"mode"`   // live or paper
	Env    map[string]string `json:"env"`
}

// ControlResult is the unified transport result shared with the SSH path.
type ControlResult struct {
	Success bool   `json:"success"`
	Output  string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Control sends a lifecycle action to the agent. A transport failure or
// non-2xx status yields a classified error so the caller can fall back to
// SSH; a structured failure payload is returned as-is.
func (c *Client) Control(ctx context.Context, req ControlRequest) (*ControlResult, error) {
	var out ControlResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/control")
	if err != nil {
		return nil, types.WrapKind(types.KindTransient, err, "agent control")
	}
	if resp.IsError() {
		return nil, types.E(types.KindTransient, "agent control: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}

// OrderRequest is the /place-order payload. Exchange credentials travel in
// the body because the exchange whitelists the machine's IP, not ours.
type OrderRequest struct {
	Exchange   string           `json:"exchange"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Qty        decimal.Decimal  `json:"qty"`
	OrderType  string           `json:"type"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Key        string           `json:"key"`
	Secret     string           `json:"secret"`
	Passphrase string           `json:"passphrase,omitempty"`
}

// OrderResult is the agent's /place-order response.
type OrderResult struct {
	Success       bool             `json:"success"`
	OrderID       string           `json:"order_id,omitempty"`
	ExecutedQty   *decimal.Decimal `json:"executed_qty,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executed_price,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// PlaceOrder routes a live order through the machine.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	var out OrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/place-order")
	if err != nil {
		return nil, types.WrapKind(types.KindTransient, err, "agent place order")
	}
	if resp.IsError() {
		return nil, types.E(types.KindTransient, "agent place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}
