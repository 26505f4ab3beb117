package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mriya/internal/control"
	"mriya/internal/logging"
	"mriya/internal/provisioning"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"
)

const (
	// CloudInitMarker exists once cloud-init has finished the first boot.
	CloudInitMarker = "/var/lib/cloud/instance/boot-finished"

	DefaultCloudInitPollInterval = 5 * time.Second
	DefaultCloudInitWaitTimeout  = 600 * time.Second
	DefaultMountPath             = "/mriya"

	// fallbackVolumeDevice is used when the backend cannot name the device itself.
	fallbackVolumeDevice = "/dev/vdb"
)

// RunOrchestrator provisions an instance, runs one command on it and tears it down.
type RunOrchestrator struct {
	backend provisioning.Backend
	syncer  control.Syncer

	cloudInitPollInterval time.Duration
	cloudInitWaitTimeout  time.Duration
	mountPath             string
}

// RunOption tunes a RunOrchestrator.
type RunOption func(*RunOrchestrator)

// WithCloudInitPollInterval sets how often the cloud-init marker is checked.
func WithCloudInitPollInterval(d time.Duration) RunOption {
	return func(o *RunOrchestrator) { o.cloudInitPollInterval = d }
}

// WithCloudInitWaitTimeout bounds the wait for cloud-init.
func WithCloudInitWaitTimeout(d time.Duration) RunOption {
	return func(o *RunOrchestrator) { o.cloudInitWaitTimeout = d }
}

// WithMountPath sets where the cache volume is mounted.
func WithMountPath(path string) RunOption {
	return func(o *RunOrchestrator) { o.mountPath = path }
}

// NewRunOrchestrator creates a run orchestrator
func NewRunOrchestrator(backend provisioning.Backend, syncer control.Syncer, opts ...RunOption) *RunOrchestrator {
	o := &RunOrchestrator{
		backend:               backend,
		syncer:                syncer,
		cloudInitPollInterval: DefaultCloudInitPollInterval,
		cloudInitWaitTimeout:  DefaultCloudInitWaitTimeout,
		mountPath:             DefaultMountPath,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs command in a fresh instance and returns its output whatever the exit status.
// The instance is always destroyed; a failed destroy is reported even when the command succeeded.
func (o *RunOrchestrator) Execute(ctx context.Context, req provisioning.InstanceRequest, source, command string) (control.RemoteOutput, error) {
	logging.Logger().Info("Creating instance",
		zap.String("image", req.ImageLabel),
		zap.String("instance_type", req.InstanceType),
		zap.String("zone", req.Zone))

	handle, err := o.backend.Create(ctx, req)
	if err != nil {
		return control.RemoteOutput{}, &RunError{Kind: RunProvision, Message: err.Error(), Err: err}
	}

	networking, err := o.backend.WaitForReady(ctx, handle)
	if err != nil {
		return control.RemoteOutput{}, o.fail(ctx, handle, RunWait, err)
	}
	logging.Logger().Info("Instance ready",
		zap.String("instance_id", handle.ID),
		zap.String("address", networking.Address()))

	if req.VolumeID != "" {
		if err := o.mountCacheVolume(ctx, networking, req.VolumeID); err != nil {
			return control.RemoteOutput{}, o.fail(ctx, handle, RunSync, err)
		}
	}

	dest := o.syncer.Destination(networking)
	if err := o.syncer.Sync(ctx, source, dest); err != nil {
		return control.RemoteOutput{}, o.fail(ctx, handle, RunSync, err)
	}

	if req.CloudInitUserData != "" {
		if err := o.waitForCloudInit(ctx, networking); err != nil {
			kind := RunCloudInit
			var timeout *cloudInitTimeout
			if errors.As(err, &timeout) {
				kind = RunCloudInitTimeout
			}
			return control.RemoteOutput{}, o.fail(ctx, handle, kind, err)
		}
	}

	logging.Logger().Info("Running remote command",
		zap.String("instance_id", handle.ID),
		zap.String("command", logging.Truncate(command)))

	output, err := o.syncer.RunRemote(ctx, networking, command)
	if err != nil {
		return control.RemoteOutput{}, o.fail(ctx, handle, RunRemote, err)
	}

	if err := o.backend.Destroy(context.WithoutCancel(ctx), handle); err != nil {
		return output, &RunError{Kind: RunTeardown, Message: err.Error(), Err: err}
	}
	logging.Logger().Info("Instance destroyed", zap.String("instance_id", handle.ID))

	return output, nil
}

func (o *RunOrchestrator) fail(ctx context.Context, handle provisioning.InstanceHandle, kind RunErrorKind, cause error) *RunError {
	message := destroyWithNote(ctx, o.backend, handle, cause)
	return &RunError{Kind: kind, Message: message, Err: cause}
}

// mountCacheVolume mounts the volume when it can. Only a failure to run the command counts.
func (o *RunOrchestrator) mountCacheVolume(ctx context.Context, networking provisioning.InstanceNetworking, volumeID string) error {
	device := fallbackVolumeDevice
	if volumes, ok := o.backend.(provisioning.VolumeBackend); ok {
		device = volumes.VolumeDevicePath(volumeID)
	}

	cmd := MountCommand(device, o.mountPath)
	logging.Logger().Debug("Mounting cache volume",
		zap.String("volume_id", volumeID),
		zap.String("command", cmd))

	output, err := o.syncer.RunRemoteRaw(ctx, networking, cmd)
	if err != nil {
		return fmt.Errorf("failed to mount cache volume: %w", err)
	}
	if !output.Success() {
		logging.Logger().Warn("Cache volume mount command did not succeed",
			zap.String("volume_id", volumeID),
			zap.String("stderr", logging.Truncate(output.Stderr)))
	}
	return nil
}

// MountCommand creates mountPath and mounts device there, ignoring mount failures.
func MountCommand(device, mountPath string) string {
	path := shellescape.Quote(mountPath)
	return "sudo mkdir -p " + path + " && sudo mount " + shellescape.Quote(device) + " " + path + " 2>/dev/null || true"
}

type cloudInitTimeout struct {
	after time.Duration
}

func (e *cloudInitTimeout) Error() string {
	return fmt.Sprintf("timed out after %s", e.after)
}

// waitForCloudInit polls for the boot-finished marker until it exists or the timeout passes.
func (o *RunOrchestrator) waitForCloudInit(ctx context.Context, networking provisioning.InstanceNetworking) error {
	deadline := time.Now().Add(o.cloudInitWaitTimeout)
	check := "test -f " + CloudInitMarker

	for {
		output, err := o.syncer.RunRemoteRaw(ctx, networking, check)
		if err != nil {
			return err
		}
		if output.Success() {
			logging.Logger().Info("cloud-init finished", zap.String("address", networking.Address()))
			return nil
		}
		if !time.Now().Before(deadline) {
			return &cloudInitTimeout{after: o.cloudInitWaitTimeout}
		}

		logging.Logger().Debug("cloud-init still running", zap.String("address", networking.Address()))

		timer := time.NewTimer(o.cloudInitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
