package types

import "time"

// BotActionResponse is returned by start/stop/restart operations.
type BotActionResponse struct {
	BotStatus      string `json:"bot_status"`
	HealthVerified bool   `json:"health_verified,omitempty"`
}

// BotStatusResponse is the resolved on-host state of a deployment.
type BotStatusResponse struct {
	DeploymentID  string `json:"deployment_id"`
	MachineID     string `json:"machine_id"`
	DockerRunning bool   `json:"docker_running"`
	SignalPresent bool   `json:"signal_present"`
	HealthOK      bool   `json:"health_ok"`
	BotStatus     string `json:"bot_status"`
}

// AgentHealth is the on-host agent's /health payload.
type AgentHealth struct {
	OK     bool    `json:"ok"`
	Uptime float64 `json:"uptime"`
	CPU    float64 `json:"cpu,omitempty"`
	RAM    float64 `json:"ram,omitempty"`
	Disk   float64 `json:"disk,omitempty"`
}

// ExchangePing is one entry of the agent's /ping-exchanges result.
type ExchangePing struct {
	Exchange  string  `json:"exchange"`
	LatencyMs float64 `json:"latency_ms"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
}

// RateLimitSnapshot is the coordinator's observability view for one exchange.
type RateLimitSnapshot struct {
	Exchange           string  `json:"exchange"`
	RequestsThisMinute int     `json:"requests_this_minute"`
	Limit              int     `json:"limit"`
	HardLimit          int     `json:"hard_limit"`
	UsagePercent       float64 `json:"usage_percent"`
	Remaining          int     `json:"remaining"`
	MsUntilReset       int64   `json:"ms_until_reset"`
	Throttled          bool    `json:"throttled"`
	WebsocketOnly      bool    `json:"websocket_only"`
	QueueLength        int     `json:"queue_length"`
}

// BenchmarkResult is the scored outcome of one machine's latency run.
type BenchmarkResult struct {
	Provider         string             `json:"provider"`
	MachineID        string             `json:"machine_id"`
	PerExchangeMean  map[string]float64 `json:"per_exchange_mean"`
	MeanMs           float64            `json:"mean_ms"`
	MinMs            float64            `json:"min_ms"`
	MaxMs            float64            `json:"max_ms"`
	StdDevMs         float64            `json:"std_dev_ms"`
	LatencyScore     float64            `json:"latency_score"`
	ConsistencyScore float64            `json:"consistency_score"`
	BestCaseScore    float64            `json:"best_case_score"`
	HFTScore         int                `json:"hft_score"`
	RanAt            time.Time          `json:"ran_at"`
}
