package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"mriya/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ClientOptions mirror the ssh(1) settings of the sync configuration.
type ClientOptions struct {
	User                  string
	IdentityFile          string
	StrictHostKeyChecking bool
	KnownHostsFile        string
	Timeout               time.Duration
}

// Auth holds the authentication methods for one connection and the agent socket backing them.
type Auth struct {
	Methods   []ssh.AuthMethod
	agentConn net.Conn
}

// Close releases the agent connection, if any.
func (a *Auth) Close() error {
	if a.agentConn == nil {
		return nil
	}
	return a.agentConn.Close()
}

// NewAuth collects key files and, when no identity file is configured, the ssh-agent.
// An unreachable agent is logged and skipped.
func NewAuth(identityFile string) (*Auth, error) {
	signers, err := LoadSigners(identityFile)
	if err != nil {
		return nil, err
	}

	auth := &Auth{}
	if len(signers) > 0 {
		auth.Methods = append(auth.Methods, ssh.PublicKeys(signers...))
	}

	if identityFile == "" {
		if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
			conn, err := net.Dial("unix", socket)
			if err != nil {
				logging.Logger().Warn("failed to connect to ssh-agent, continuing without it",
					zap.String("socket", socket),
					zap.Error(err))
			} else {
				auth.agentConn = conn
				auth.Methods = append(auth.Methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if len(auth.Methods) == 0 {
		return nil, errors.New("no SSH identity available: set ssh_identity_file, add a default key or start ssh-agent")
	}
	return auth, nil
}

// ClientConfig builds the client configuration for opts. The caller closes the returned Auth.
func ClientConfig(opts ClientOptions) (*ssh.ClientConfig, *Auth, error) {
	hostKeyCallback, err := HostKeyCallback(opts.StrictHostKeyChecking, opts.KnownHostsFile)
	if err != nil {
		return nil, nil, err
	}

	auth, err := NewAuth(opts.IdentityFile)
	if err != nil {
		return nil, nil, err
	}

	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth.Methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.Timeout,
	}, auth, nil
}

// Dial opens an authenticated SSH connection honouring ctx while connecting.
func Dial(ctx context.Context, address string, opts ClientOptions) (*ssh.Client, error) {
	clientConfig, auth, err := ClientConfig(opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := auth.Close(); err != nil {
			logging.Logger().Debug("failed to close ssh-agent connection", zap.Error(err))
		}
	}()

	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", address, err)
	}

	logging.Logger().Debug("SSH connection established",
		zap.String("user", opts.User),
		zap.String("address", address))
	return ssh.NewClient(clientConn, chans, reqs), nil
}
