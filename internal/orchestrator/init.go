package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mriya/internal/config"
	"mriya/internal/configstore"
	"mriya/internal/control"
	"mriya/internal/logging"
	"mriya/internal/provisioning"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"
)

var (
	ErrInvalidVolumeSize  = errors.New("volume size must be greater than zero")
	ErrVolumeSizeOverflow = errors.New("volume size is too large to represent")
)

// InitRequest describes the cache volume to prepare.
type InitRequest struct {
	Volume provisioning.VolumeRequest
	// Instance formats the volume. Its volume id and cloud-init payload are set by the orchestrator.
	Instance provisioning.InstanceRequest
	// Force replaces an already configured volume id.
	Force bool
}

// NewInitRequest builds the request from the scaleway and init sections.
// projectName names the volume, usually the workspace directory.
func NewInitRequest(cfg *config.Config, projectName string, force bool) (InitRequest, error) {
	if cfg.Init.VolumeSizeGB == 0 {
		return InitRequest{}, fmt.Errorf("init configuration error: %w", ErrInvalidVolumeSize)
	}
	sizeBytes, ok := VolumeSizeBytes(cfg.Init.VolumeSizeGB)
	if !ok {
		return InitRequest{}, ErrVolumeSizeOverflow
	}

	scw := cfg.Scaleway
	if err := scw.Validate(); err != nil {
		return InitRequest{}, fmt.Errorf("scaleway configuration error: %w", err)
	}

	instance := provisioning.InstanceRequest{
		ImageLabel:     scw.DefaultImage,
		InstanceType:   scw.DefaultInstanceType,
		Zone:           scw.DefaultZone,
		ProjectID:      scw.DefaultProjectID,
		OrganisationID: scw.DefaultOrganizationID,
		Architecture:   scw.DefaultArchitecture,
	}.Normalized()
	if err := instance.Validate(); err != nil {
		return InitRequest{}, fmt.Errorf("instance request error: %w", err)
	}

	return InitRequest{
		Volume: provisioning.VolumeRequest{
			Name:           VolumeName(projectName),
			SizeBytes:      sizeBytes,
			Zone:           instance.Zone,
			ProjectID:      instance.ProjectID,
			OrganisationID: instance.OrganisationID,
		},
		Instance: instance,
		Force:    force,
	}, nil
}

// InitOutcome reports the prepared volume and where its id was stored.
type InitOutcome struct {
	VolumeID string
	Location string
}

// InitOrchestrator creates, formats and registers a cache volume.
type InitOrchestrator struct {
	backend provisioning.VolumeBackend
	syncer  control.Syncer
	store   configstore.Store
}

// NewInitOrchestrator creates an init orchestrator
func NewInitOrchestrator(backend provisioning.VolumeBackend, syncer control.Syncer, store configstore.Store) *InitOrchestrator {
	return &InitOrchestrator{backend: backend, syncer: syncer, store: store}
}

// Execute prepares the volume. Nothing is created when a volume id is already
// configured and req.Force is false.
func (o *InitOrchestrator) Execute(ctx context.Context, req InitRequest) (InitOutcome, error) {
	if err := o.ensureConfigurable(ctx, req.Force); err != nil {
		return InitOutcome{}, err
	}

	logging.Logger().Info("Creating cache volume",
		zap.String("name", req.Volume.Name),
		zap.Uint64("size_bytes", req.Volume.SizeBytes),
		zap.String("zone", req.Volume.Zone))

	volume, err := o.backend.CreateVolume(ctx, req.Volume)
	if err != nil {
		return InitOutcome{}, &InitError{Kind: InitVolume, Message: err.Error(), Err: err}
	}

	instance := req.Instance
	instance.VolumeID = volume.ID
	instance.CloudInitUserData = ""

	handle, err := o.backend.Create(ctx, instance)
	if err != nil {
		return InitOutcome{}, &InitError{Kind: InitProvision, Message: err.Error(), Err: err}
	}

	networking, err := o.backend.WaitForReady(ctx, handle)
	if err != nil {
		return InitOutcome{}, o.fail(ctx, handle, InitWait, err)
	}

	if err := o.formatVolume(ctx, networking, volume.ID); err != nil {
		return InitOutcome{}, o.fail(ctx, handle, InitFormat, err)
	}
	logging.Logger().Info("Cache volume formatted", zap.String("volume_id", volume.ID))

	if err := o.backend.DetachVolume(ctx, handle, volume.ID); err != nil {
		return InitOutcome{}, o.fail(ctx, handle, InitDetach, err)
	}

	if err := o.backend.Destroy(context.WithoutCancel(ctx), handle); err != nil {
		return InitOutcome{}, &InitError{Kind: InitTeardown, Message: err.Error(), Err: err}
	}

	location, err := o.store.WriteVolumeID(ctx, volume.ID, req.Force)
	if err != nil {
		return InitOutcome{}, &InitError{Kind: InitConfig, Message: err.Error(), Err: err}
	}
	logging.Logger().Info("Default volume id stored",
		zap.String("volume_id", volume.ID),
		zap.String("location", location))

	return InitOutcome{VolumeID: volume.ID, Location: location}, nil
}

func (o *InitOrchestrator) ensureConfigurable(ctx context.Context, force bool) error {
	existing, err := o.store.CurrentVolumeID(ctx)
	if err != nil {
		return &InitError{Kind: InitConfig, Message: err.Error(), Err: err}
	}
	if existing != "" && !force {
		cause := configstore.AlreadyConfigured(existing)
		return &InitError{Kind: InitConfig, Message: cause.Error(), Err: cause}
	}
	return nil
}

func (o *InitOrchestrator) fail(ctx context.Context, handle provisioning.InstanceHandle, kind InitErrorKind, cause error) *InitError {
	message := destroyWithNote(ctx, o.backend, handle, cause)
	return &InitError{Kind: kind, Message: message, Err: cause}
}

func (o *InitOrchestrator) formatVolume(ctx context.Context, networking provisioning.InstanceNetworking, volumeID string) error {
	cmd := FormatCommand(o.backend.VolumeDevicePath(volumeID))
	output, err := o.syncer.RunRemoteRaw(ctx, networking, cmd)
	if err != nil {
		return fmt.Errorf("failed to execute format command: %w", err)
	}
	if output.Success() {
		return nil
	}
	return errors.New(formatFailureMessage(output))
}

// FormatCommand creates an ext4 filesystem on device, replacing whatever is there.
func FormatCommand(device string) string {
	return "sudo mkfs.ext4 -F " + shellescape.Quote(device)
}

func formatFailureMessage(output control.RemoteOutput) string {
	message := "mkfs.ext4 terminated without an exit status"
	if output.ExitCode != nil {
		message = fmt.Sprintf("mkfs.ext4 exited with status %d", *output.ExitCode)
	}
	if stderr := strings.TrimSpace(output.Stderr); stderr != "" {
		message += ": " + stderr
	}
	return message
}
