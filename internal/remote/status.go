package remote

import (
	"strings"

	"github.com/ksred/fleet-api/internal/types"
)

// HostStatus is the parsed on-host state of the trading container.
type HostStatus struct {
	DockerRunning bool
	SignalPresent bool
	HealthOK      bool
	BotStatus     string
}

// ParseHostStatus interprets the indicator lines emitted by the on-host
// status command (DOCKER:...|SIGNAL:...|HEALTH:... and optionally a final
// STATUS: line). The indicators are authoritative: signal present AND
// container up resolves to running, container up alone to standby. The
// STATUS line is consulted only when no indicators were emitted at all,
// which happens with very old agents.
func ParseHostStatus(output string) HostStatus {
	var st HostStatus
	sawIndicator := false
	reported := ""

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "DOCKER:"):
			sawIndicator = true
			st.DockerRunning = strings.TrimPrefix(line, "DOCKER:") == "up"
		case strings.HasPrefix(line, "SIGNAL:"):
			sawIndicator = true
			st.SignalPresent = strings.TrimPrefix(line, "SIGNAL:") == "present"
		case strings.HasPrefix(line, "HEALTH:"):
			sawIndicator = true
			st.HealthOK = strings.TrimPrefix(line, "HEALTH:") == "ok"
		case strings.HasPrefix(line, "STATUS:"):
			reported = strings.TrimPrefix(line, "STATUS:")
		}
	}

	if !sawIndicator && reported != "" {
		st.BotStatus = reported
		st.DockerRunning = reported == types.BotRunning || reported == types.BotStandby
		st.SignalPresent = reported == types.BotRunning
		return st
	}

	st.BotStatus = ResolveBotStatus(st.DockerRunning, st.SignalPresent)
	return st
}

// ResolveBotStatus maps the two on-host indicators onto a bot status.
// Docker-up alone is standby, not running: the container is alive but
// trading is not armed until the start signal exists.
func ResolveBotStatus(dockerRunning, signalPresent bool) string {
	switch {
	case dockerRunning && signalPresent:
		return types.BotRunning
	case dockerRunning:
		return types.BotStandby
	default:
		return types.BotStopped
	}
}
