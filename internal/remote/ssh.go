package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ksred/fleet-api/internal/types"
	"golang.org/x/crypto/ssh"
)

// SSHTimeout bounds every SSH operation end to end.
const SSHTimeout = 30 * time.Second

// sshRun dials host as user with the given private key and runs one shell
// command, returning combined output. The context deadline covers dial and
// execution together.
func sshRun(ctx context.Context, host, user string, privateKeyPEM []byte, command string) (string, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", types.WrapKind(types.KindNoCredentials, err, "parse ssh key")
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(host, "22")
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", types.WrapKind(types.KindTransient, err, "ssh dial")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", types.WrapKind(types.KindTransient, err, "ssh handshake")
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", types.WrapKind(types.KindTransient, err, "ssh session")
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		return buf.String(), types.WrapKind(types.KindTransient, ctx.Err(), "ssh run")
	case err := <-done:
		if err != nil {
			return buf.String(), fmt.Errorf("ssh run: %w", err)
		}
		return buf.String(), nil
	}
}
