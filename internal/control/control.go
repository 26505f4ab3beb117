package control

import (
	"context"
	"errors"
	"strings"

	"mriya/internal/config"
	"mriya/internal/provisioning"
)

// Destination is where a workspace is synchronised to. An empty Host means a local path.
type Destination struct {
	User string
	Host string
	Port int
	Path string
}

// IsLocal reports whether the destination is a path on this machine.
func (d Destination) IsLocal() bool {
	return d.Host == ""
}

// RemoteOutput is the captured result of a remote command.
type RemoteOutput struct {
	// ExitCode is nil when the remote process ended without reporting a status, e.g. on a signal.
	ExitCode *int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status 0.
func (o RemoteOutput) Success() bool {
	return o.ExitCode != nil && *o.ExitCode == 0
}

// Syncer defines the interface for workspace synchronisation and remote execution
type Syncer interface {
	// Sync mirrors source into dest, honouring the top-level .gitignore and skipping .git/.
	Sync(ctx context.Context, source string, dest Destination) error

	// Destination returns the remote workspace location on a ready instance.
	Destination(networking provisioning.InstanceNetworking) Destination

	// RunRemote runs command inside the remote workspace, with the cache preamble when enabled.
	// A non-zero exit is returned as data, not as an error.
	RunRemote(ctx context.Context, networking provisioning.InstanceNetworking, command string) (RemoteOutput, error)

	// RunRemoteRaw runs command verbatim.
	RunRemoteRaw(ctx context.Context, networking provisioning.InstanceNetworking, command string) (RemoteOutput, error)
}

// New validates cfg and creates the syncer for its transport.
func New(cfg config.SyncConfig) (Syncer, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case config.TransportSFTP:
		return NewSFTPSyncer(cfg), nil
	default:
		return NewRsyncSyncer(cfg, NewStreamingRunner()), nil
	}
}

func validateConfig(cfg *config.SyncConfig) error {
	err := cfg.Validate()
	if err == nil {
		return nil
	}
	var fieldErr *config.InvalidFieldError
	if errors.As(err, &fieldErr) {
		return &Error{Kind: KindInvalidConfig, Field: fieldErr.Field, Message: fieldErr.Error()}
	}
	return &Error{Kind: KindInvalidConfig, Message: err.Error()}
}

func destinationFor(cfg config.SyncConfig, networking provisioning.InstanceNetworking) Destination {
	return Destination{
		User: cfg.SSHUser,
		Host: networking.PublicIP.String(),
		Port: networking.SSHPort,
		Path: cfg.RemotePath,
	}
}

func envName(field string) string {
	return "MRIYA_SYNC_" + strings.ToUpper(field)
}
