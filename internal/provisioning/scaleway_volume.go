package provisioning

import (
	"context"
	"net/http"

	"mriya/internal/logging"

	"go.uber.org/zap"
)

// volumeAttachment is one entry of the server volume map. Index "0" is always the root volume.
type volumeAttachment struct {
	ID   string `json:"id"`
	Boot bool   `json:"boot,omitempty"`
}

type updateVolumesRequest struct {
	Volumes map[string]volumeAttachment `json:"volumes"`
}

// attachVolumesPayload keeps the root volume at "0" and places the cache volume at "1".
func attachVolumesPayload(rootVolumeID, volumeID string) updateVolumesRequest {
	return updateVolumesRequest{Volumes: map[string]volumeAttachment{
		"0": {ID: rootVolumeID, Boot: true},
		"1": {ID: volumeID},
	}}
}

// detachVolumesPayload keeps only the root volume.
func detachVolumesPayload(rootVolumeID string) updateVolumesRequest {
	return updateVolumesRequest{Volumes: map[string]volumeAttachment{
		"0": {ID: rootVolumeID, Boot: true},
	}}
}

func (b *ScalewayBackend) attachVolume(ctx context.Context, handle InstanceHandle, volumeID, rootVolumeID string) error {
	if rootVolumeID == "" {
		return volumeNotFound("0", handle.Zone)
	}

	resp, err := b.patchVolumes(ctx, handle, attachVolumesPayload(rootVolumeID, volumeID))
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &Error{Kind: KindVolumeAttachmentFailed, VolumeID: volumeID, InstanceID: handle.ID, Message: resp.text()}
	}

	logging.Logger().Info("Attached cache volume",
		zap.String("instance_id", handle.ID),
		zap.String("volume_id", volumeID))
	return nil
}

// DetachVolume re-reads the root volume id from the provider and patches the volume map down to it.
func (b *ScalewayBackend) DetachVolume(ctx context.Context, handle InstanceHandle, volumeID string) error {
	server, err := b.getServer(ctx, handle)
	if err != nil {
		return err
	}
	rootVolumeID := server.rootVolumeID()
	if rootVolumeID == "" {
		return volumeNotFound("0", handle.Zone)
	}

	resp, err := b.patchVolumes(ctx, handle, detachVolumesPayload(rootVolumeID))
	if err != nil {
		return err
	}
	if !resp.ok() {
		return &Error{Kind: KindVolumeDetachFailed, VolumeID: volumeID, InstanceID: handle.ID, Message: resp.text()}
	}

	logging.Logger().Info("Detached cache volume",
		zap.String("instance_id", handle.ID),
		zap.String("volume_id", volumeID))
	return nil
}

func (b *ScalewayBackend) getServer(ctx context.Context, handle InstanceHandle) (scwServer, error) {
	resp, err := b.api.do(ctx, http.MethodGet, zonePath(handle.Zone, "servers", handle.ID), nil, nil)
	if err != nil {
		return scwServer{}, providerError(err)
	}
	if resp.status == http.StatusNotFound {
		return scwServer{}, providerMessage("instance %s not found in zone %s", handle.ID, handle.Zone)
	}
	if !resp.ok() {
		return scwServer{}, providerMessage("%s", resp.text())
	}
	var envelope scwServerEnvelope
	if err := resp.decode(&envelope); err != nil {
		return scwServer{}, providerError(err)
	}
	return envelope.Server, nil
}

func (b *ScalewayBackend) patchVolumes(ctx context.Context, handle InstanceHandle, payload updateVolumesRequest) (apiResponse, error) {
	resp, err := b.api.do(ctx, http.MethodPatch, zonePath(handle.Zone, "servers", handle.ID), nil, payload)
	if err != nil {
		return apiResponse{}, providerError(err)
	}
	return resp, nil
}

// deleteVolume removes a detached volume; one that is already gone counts as deleted.
func (b *ScalewayBackend) deleteVolume(ctx context.Context, zone, volumeID string) error {
	resp, err := b.api.do(ctx, http.MethodDelete, zonePath(zone, "volumes", volumeID), nil, nil)
	if err != nil {
		return providerError(err)
	}
	if resp.status == http.StatusNotFound || resp.ok() {
		return nil
	}
	return providerMessage("delete volume %s: %s", volumeID, resp.text())
}

type scwCreateVolumeRequest struct {
	Name         string   `json:"name"`
	Size         uint64   `json:"size"`
	VolumeType   string   `json:"volume_type"`
	Project      string   `json:"project"`
	Organization string   `json:"organization,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// CreateVolume creates a block SSD volume in the request's zone.
func (b *ScalewayBackend) CreateVolume(ctx context.Context, req VolumeRequest) (VolumeHandle, error) {
	payload := scwCreateVolumeRequest{
		Name:         req.Name,
		Size:         req.SizeBytes,
		VolumeType:   scalewayVolumeType,
		Project:      req.ProjectID,
		Organization: req.OrganisationID,
		Tags:         volumeTags(b.testRunID),
	}

	resp, err := b.api.do(ctx, http.MethodPost, zonePath(req.Zone, "volumes"), nil, payload)
	if err != nil {
		return VolumeHandle{}, providerError(err)
	}
	if !resp.ok() {
		return VolumeHandle{}, &Error{Kind: KindVolumeCreateFailed, Name: req.Name, Zone: req.Zone, Message: resp.text()}
	}

	var created struct {
		Volume struct {
			ID   string `json:"id"`
			Zone string `json:"zone"`
		} `json:"volume"`
	}
	if err := resp.decode(&created); err != nil {
		return VolumeHandle{}, providerError(err)
	}

	logging.Logger().Info("Created cache volume",
		zap.String("volume_id", created.Volume.ID),
		zap.String("name", req.Name),
		zap.Uint64("size_bytes", req.SizeBytes))
	return VolumeHandle{ID: created.Volume.ID, Zone: created.Volume.Zone}, nil
}

// VolumeDevicePath returns the by-id path block SSD volumes get inside the instance.
func (b *ScalewayBackend) VolumeDevicePath(volumeID string) string {
	return scalewayDevicePrefix + volumeID
}
