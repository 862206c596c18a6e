// Package remote runs bot-lifecycle operations on fleet machines over two
// transports: the agent's HTTP control port when it answers, and an SSH
// fallback that ships an env file and drives docker directly. SSH is also
// how the agent gets installed on a freshly provisioned machine.
package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ksred/fleet-api/internal/agent"
	"github.com/rs/zerolog/log"
)

const (
	botDir     = "/opt/hft-bot"
	signalFile = botDir + "/START_SIGNAL"
	envFile    = botDir + "/.env"
)

// Result is the unified transport result for a lifecycle operation.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	ViaSSH  bool   `json:"via_ssh,omitempty"`
}

// Executor runs lifecycle commands against one machine at a time.
type Executor struct {
	keys        *KeyStore
	controlPort int
	sshUser     string
}

func NewExecutor(keys *KeyStore, controlPort int, sshUser string) *Executor {
	return &Executor{keys: keys, controlPort: controlPort, sshUser: sshUser}
}

// Control performs a start/stop/restart against the machine at ip. The
// HTTP control path is tried first with its own 10 s budget; any transport
// failure falls back to SSH silently. A structured failure from the agent
// itself is returned without falling back, since the agent was reachable
// and made a decision.
func (e *Executor) Control(ctx context.Context, ip, sshKeyRef string, req agent.ControlRequest) (*Result, error) {
	logger := log.With().Str("component", "remote_executor").Str("ip", ip).Str("action", req.Action).Logger()

	httpCtx, cancel := context.WithTimeout(ctx, agent.ControlTimeout)
	res, err := agent.NewClient(ip, e.controlPort).Control(httpCtx, req)
	cancel()
	if err == nil {
		return &Result{Success: res.Success, Output: res.Output, Error: res.Error}, nil
	}

	logger.Debug().Err(err).Msg("http control failed, falling back to ssh")

	key, keyErr := e.keys.PrivateKey(sshKeyRef)
	if keyErr != nil {
		return nil, keyErr
	}

	script, scriptErr := e.controlScript(req)
	if scriptErr != nil {
		return nil, scriptErr
	}

	sshCtx, cancel := context.WithTimeout(ctx, SSHTimeout)
	defer cancel()
	out, runErr := sshRun(sshCtx, ip, e.sshUser, key, script)
	if runErr != nil {
		return nil, runErr
	}
	return &Result{Success: true, Output: out, ViaSSH: true}, nil
}

// HostStatus reads the container/signal/health indicators over SSH.
func (e *Executor) HostStatus(ctx context.Context, ip, sshKeyRef string) (*HostStatus, error) {
	key, err := e.keys.PrivateKey(sshKeyRef)
	if err != nil {
		return nil, err
	}

	sshCtx, cancel := context.WithTimeout(ctx, SSHTimeout)
	defer cancel()
	out, err := sshRun(sshCtx, ip, e.sshUser, key, e.statusScript())
	if err != nil {
		return nil, err
	}
	st := ParseHostStatus(out)
	return &st, nil
}

// Logs fetches the last tailLines lines of the trading container's logs.
func (e *Executor) Logs(ctx context.Context, ip, sshKeyRef string, tailLines int) (string, error) {
	key, err := e.keys.PrivateKey(sshKeyRef)
	if err != nil {
		return "", err
	}
	if tailLines <= 0 {
		tailLines = 100
	}

	sshCtx, cancel := context.WithTimeout(ctx, SSHTimeout)
	defer cancel()
	return sshRun(sshCtx, ip, e.sshUser, key, fmt.Sprintf("docker logs --tail %d hft-bot 2>&1", tailLines))
}

// InstallAgent bootstraps a freshly provisioned machine: docker, the bot
// directory, and the agent container listening on the control port.
func (e *Executor) InstallAgent(ctx context.Context, ip, sshKeyRef string) error {
	key, err := e.keys.PrivateKey(sshKeyRef)
	if err != nil {
		return err
	}

	script := strings.Join([]string{
		"set -e",
		"command -v docker >/dev/null || curl -fsSL https://get.docker.com | sh",
		"mkdir -p " + botDir,
		"docker pull ghcr.io/ksred/hft-agent:latest",
		"docker rm -f hft-agent 2>/dev/null || true",
		fmt.Sprintf("docker run -d --name hft-agent --restart unless-stopped -p %d:%d -v %s:%s ghcr.io/ksred/hft-agent:latest",
			e.controlPort, e.controlPort, botDir, botDir),
	}, " && ")

	sshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_, err = sshRun(sshCtx, ip, e.sshUser, key, script)
	return err
}

// controlScript translates a control request into the shell sequence the
// agent would have run itself.
func (e *Executor) controlScript(req agent.ControlRequest) (string, error) {
	var steps []string
	switch req.Action {
	case "start":
		steps = []string{
			"mkdir -p " + botDir,
			e.envFileScript(req.Env),
			fmt.Sprintf("docker compose -f %s/docker-compose.yml up -d", botDir),
			"touch " + signalFile,
			e.healthProbe(),
		}
	case "stop":
		steps = []string{
			"rm -f " + signalFile,
			fmt.Sprintf("docker compose -f %s/docker-compose.yml down", botDir),
		}
	case "restart":
		steps = []string{
			e.envFileScript(req.Env),
			fmt.Sprintf("docker compose -f %s/docker-compose.yml restart", botDir),
			e.healthProbe(),
		}
	default:
		return "", fmt.Errorf("unknown control action: %s", req.Action)
	}
	return strings.Join(steps, " && "), nil
}

// envFileScript writes the env payload with a quoted heredoc so values
// survive the shell untouched.
func (e *Executor) envFileScript(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("cat > " + envFile + " <<'HFTEOF'\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}
	b.WriteString("HFTEOF")
	return b.String()
}

func (e *Executor) healthProbe() string {
	return fmt.Sprintf("sleep 2 && curl -sf -m 3 http://localhost:%d/health >/dev/null && echo HEALTH:ok || echo HEALTH:fail", e.controlPort)
}

func (e *Executor) statusScript() string {
	return strings.Join([]string{
		"if docker ps --format '{{.Names}}' | grep -q '^hft-bot$'; then echo DOCKER:up; else echo DOCKER:down; fi",
		fmt.Sprintf("if [ -f %s ]; then echo SIGNAL:present; else echo SIGNAL:absent; fi", signalFile),
		fmt.Sprintf("if curl -sf -m 3 http://localhost:%d/health >/dev/null; then echo HEALTH:ok; else echo HEALTH:fail; fi", e.controlPort),
	}, "; ")
}
