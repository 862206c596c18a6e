package remote

import (
	"testing"

	"github.com/ksred/fleet-api/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestParseHostStatusIndicators(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   HostStatus
	}{
		{
			name:   "running",
			output: "DOCKER:up\nSIGNAL:present\nHEALTH:ok\n",
			want:   HostStatus{DockerRunning: true, SignalPresent: true, HealthOK: true, BotStatus: types.BotRunning},
		},
		{
			name:   "standby without signal",
			output: "DOCKER:up\nSIGNAL:absent\nHEALTH:ok\n",
			want:   HostStatus{DockerRunning: true, HealthOK: true, BotStatus: types.BotStandby},
		},
		{
			name:   "stopped",
			output: "DOCKER:down\nSIGNAL:absent\nHEALTH:fail\n",
			want:   HostStatus{BotStatus: types.BotStopped},
		},
		{
			name:   "indicators win over a stale status line",
			output: "DOCKER:up\nSIGNAL:absent\nHEALTH:ok\nSTATUS:running\n",
			want:   HostStatus{DockerRunning: true, HealthOK: true, BotStatus: types.BotStandby},
		},
		{
			name:   "status line alone is honored for old agents",
			output: "STATUS:running\n",
			want:   HostStatus{DockerRunning: true, SignalPresent: true, BotStatus: types.BotRunning},
		},
		{
			name:   "garbage resolves to stopped",
			output: "no such container\n",
			want:   HostStatus{BotStatus: types.BotStopped},
		},
		{
			name:   "whitespace around indicators",
			output: "  DOCKER:up  \n  SIGNAL:present  \n",
			want:   HostStatus{DockerRunning: true, SignalPresent: true, BotStatus: types.BotRunning},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseHostStatus(tt.output))
		})
	}
}

func TestResolveBotStatus(t *testing.T) {
	assert.Equal(t, types.BotRunning, ResolveBotStatus(true, true))
	assert.Equal(t, types.BotStandby, ResolveBotStatus(true, false))
	assert.Equal(t, types.BotStopped, ResolveBotStatus(false, false))
	assert.Equal(t, types.BotStopped, ResolveBotStatus(false, true))
}
