package provisioning

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"mriya/internal/config"
	"mriya/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	scalewayStateRunning   = "running"
	scalewayStateStopped   = "stopped"
	scalewayStateStopping  = "stopping"
	scalewayActionPowerOn  = "poweron"
	scalewayActionPowerOff = "poweroff"
	scalewayVolumeType     = "b_ssd"
	scalewayDevicePrefix   = "/dev/disk/by-id/scsi-0SCW_BSSD_"
)

// ScalewayBackend implements Backend and VolumeBackend against the Scaleway Instance API
type ScalewayBackend struct {
	api       *scalewayClient
	config    config.ScalewayConfig
	timing    timing
	testRunID string
}

// NewScalewayBackend validates cfg and builds a backend.
func NewScalewayBackend(cfg config.ScalewayConfig, opts ...Option) (*ScalewayBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &Error{Kind: KindConfig, Message: err.Error(), Err: err}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &ScalewayBackend{
		api:       newScalewayClient(o.baseURL, cfg.SecretKey),
		config:    cfg,
		timing:    o.timing,
		testRunID: o.testRunID,
	}, nil
}

// DefaultRequest builds an instance request from the configured defaults.
func (b *ScalewayBackend) DefaultRequest() (InstanceRequest, error) {
	return scalewayDefaultRequest(b.config)
}

func scalewayDefaultRequest(cfg config.ScalewayConfig) (InstanceRequest, error) {
	userData, err := cfg.ResolveCloudInit()
	if err != nil {
		return InstanceRequest{}, configError(err.Error())
	}
	req := InstanceRequest{
		ImageLabel:        cfg.DefaultImage,
		InstanceType:      cfg.DefaultInstanceType,
		Zone:              cfg.DefaultZone,
		ProjectID:         cfg.DefaultProjectID,
		OrganisationID:    cfg.DefaultOrganizationID,
		Architecture:      cfg.DefaultArchitecture,
		VolumeID:          cfg.DefaultVolumeID,
		CloudInitUserData: userData,
	}.Normalized()
	if err := req.Validate(); err != nil {
		return InstanceRequest{}, err
	}
	return req, nil
}

// scwServer is the subset of the server resource mriya reads.
type scwServer struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	State          string   `json:"state"`
	AllowedActions []string `json:"allowed_actions"`
	PublicIP       *struct {
		Address string `json:"address"`
	} `json:"public_ip"`
	PublicIPs []struct {
		Address string `json:"address"`
		Family  string `json:"family"`
	} `json:"public_ips"`
	Volumes map[string]struct {
		ID string `json:"id"`
	} `json:"volumes"`
}

// instanceSnapshot is a point-in-time view, re-fetched on every poll tick.
type instanceSnapshot struct {
	id             string
	state          string
	allowedActions []string
	publicIP       string
}

func (s scwServer) snapshot() instanceSnapshot {
	snap := instanceSnapshot{id: s.ID, state: s.State, allowedActions: s.AllowedActions}
	if s.PublicIP != nil && s.PublicIP.Address != "" {
		snap.publicIP = s.PublicIP.Address
		return snap
	}
	for _, ip := range s.PublicIPs {
		if ip.Family == "" || ip.Family == "inet" {
			snap.publicIP = ip.Address
			break
		}
	}
	return snap
}

func (s scwServer) rootVolumeID() string {
	return strings.TrimSpace(s.Volumes["0"].ID)
}

type scwCreateServerRequest struct {
	Name              string   `json:"name"`
	CommercialType    string   `json:"commercial_type"`
	Image             string   `json:"image"`
	Project           string   `json:"project"`
	RoutedIPEnabled   bool     `json:"routed_ip_enabled"`
	DynamicIPRequired bool     `json:"dynamic_ip_required"`
	Tags              []string `json:"tags"`
	Stopped           bool     `json:"stopped"`
	CloudInit         string   `json:"cloud_init,omitempty"`
	Organization      string   `json:"organization,omitempty"`
}

type scwServerEnvelope struct {
	Server scwServer `json:"server"`
}

// Create validates req, resolves the image, creates the server stopped with its cloud-init
// payload, attaches the cache volume when requested and powers it on.
func (b *ScalewayBackend) Create(ctx context.Context, req InstanceRequest) (InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return InstanceHandle{}, err
	}
	req = req.Normalized()

	imageID, err := b.resolveImageID(ctx, req)
	if err != nil {
		return InstanceHandle{}, err
	}

	server, err := b.createServerStopped(ctx, req, imageID)
	if err != nil {
		return InstanceHandle{}, err
	}
	handle := InstanceHandle{ID: server.ID, Zone: req.Zone}

	logging.Logger().Info("Scaleway instance created",
		zap.String("instance_id", server.ID),
		zap.String("name", server.Name),
		zap.String("zone", req.Zone),
		zap.String("instance_type", req.InstanceType),
		zap.String("image_id", imageID))

	if err := b.bootCreated(ctx, handle, server, req.VolumeID); err != nil {
		// The caller never sees this handle, so release the server here.
		if destroyErr := b.Destroy(context.WithoutCancel(ctx), handle); destroyErr != nil {
			logging.Logger().Error("failed to clean up instance after boot failure",
				zap.String("instance_id", handle.ID),
				zap.Error(destroyErr))
		}
		return InstanceHandle{}, err
	}

	return handle, nil
}

func (b *ScalewayBackend) bootCreated(ctx context.Context, handle InstanceHandle, server scwServer, volumeID string) error {
	if volumeID != "" {
		if err := b.attachVolume(ctx, handle, volumeID, server.rootVolumeID()); err != nil {
			return err
		}
	}
	return b.powerOnIfNeeded(ctx, handle, server.snapshot())
}

func (b *ScalewayBackend) createServerStopped(ctx context.Context, req InstanceRequest, imageID string) (scwServer, error) {
	payload := scwCreateServerRequest{
		Name:              "mriya-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		CommercialType:    req.InstanceType,
		Image:             imageID,
		Project:           req.ProjectID,
		RoutedIPEnabled:   true,
		DynamicIPRequired: true,
		Tags:              instanceTags(b.testRunID),
		Stopped:           true,
		CloudInit:         req.CloudInitUserData,
		Organization:      req.OrganisationID,
	}

	resp, err := b.api.do(ctx, http.MethodPost, zonePath(req.Zone, "servers"), nil, payload)
	if err != nil {
		return scwServer{}, providerError(err)
	}

	if !resp.ok() {
		if apiErr, ok := resp.apiError(); ok && isInstanceTypeError(apiErr, req) {
			return scwServer{}, instanceTypeUnavailable(req)
		}
		return scwServer{}, providerMessage("%s", resp.text())
	}

	var created scwServerEnvelope
	if err := resp.decode(&created); err != nil {
		return scwServer{}, providerError(err)
	}
	return created.Server, nil
}

// isInstanceTypeError recognises the API's ways of rejecting a commercial type.
func isInstanceTypeError(apiErr scalewayAPIError, req InstanceRequest) bool {
	if apiErr.Resource == "commercial_type" {
		return true
	}
	if apiErr.ResourceID != "" && apiErr.ResourceID == req.InstanceType {
		return true
	}
	return apiErr.Type == "invalid_arguments" && strings.Contains(apiErr.Message, "commercial_type")
}

func (b *ScalewayBackend) powerOnIfNeeded(ctx context.Context, handle InstanceHandle, snap instanceSnapshot) error {
	if snap.state == scalewayStateRunning {
		return nil
	}
	if !slices.Contains(snap.allowedActions, scalewayActionPowerOn) {
		return powerOnNotAllowed(snap.id, snap.state)
	}
	return b.performAction(ctx, handle, scalewayActionPowerOn)
}

func (b *ScalewayBackend) performAction(ctx context.Context, handle InstanceHandle, action string) error {
	resp, err := b.api.do(ctx, http.MethodPost,
		zonePath(handle.Zone, "servers", handle.ID, "action"), nil,
		map[string]string{"action": action})
	if err != nil {
		return providerError(err)
	}
	if !resp.ok() {
		return providerMessage("%s on instance %s: %s", action, handle.ID, resp.text())
	}
	logging.Logger().Debug("Scaleway action accepted",
		zap.String("instance_id", handle.ID),
		zap.String("action", action))
	return nil
}

// fetchInstance lists the server by id; nil means the provider no longer lists it.
func (b *ScalewayBackend) fetchInstance(ctx context.Context, handle InstanceHandle) (*scwServer, error) {
	query := url.Values{}
	query.Set("servers", handle.ID)
	query.Set("per_page", "1")

	resp, err := b.api.do(ctx, http.MethodGet, zonePath(handle.Zone, "servers"), query, nil)
	if err != nil {
		return nil, providerError(err)
	}
	if !resp.ok() {
		return nil, providerMessage("%s", resp.text())
	}

	var listed struct {
		Servers []scwServer `json:"servers"`
	}
	if err := resp.decode(&listed); err != nil {
		return nil, providerError(err)
	}
	for i := range listed.Servers {
		if listed.Servers[i].ID == handle.ID {
			return &listed.Servers[i], nil
		}
	}
	return nil, nil
}

// WaitForReady waits for a running server with a public IPv4 address, then for its SSH port.
func (b *ScalewayBackend) WaitForReady(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error) {
	networking, err := b.waitForPublicIP(ctx, handle)
	if err != nil {
		return InstanceNetworking{}, err
	}
	if err := b.timing.waitForSSH(ctx, handle, networking); err != nil {
		return InstanceNetworking{}, err
	}

	logging.Logger().Info("Scaleway instance ready",
		zap.String("instance_id", handle.ID),
		zap.String("address", networking.Address()))
	return networking, nil
}

func (b *ScalewayBackend) waitForPublicIP(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error) {
	return b.timing.waitForAddress(ctx, handle, func(ctx context.Context) (instanceStatus, error) {
		server, err := b.fetchInstance(ctx, handle)
		if err != nil || server == nil {
			return instanceStatus{}, err
		}
		return instanceStatus{
			running:  server.State == scalewayStateRunning,
			publicIP: server.snapshot().publicIP,
		}, nil
	})
}

// Destroy powers the server off, deletes it and waits until it is no longer listed,
// then removes its root volume. A server that is already gone counts as destroyed.
//
// The terminate action is never used: it deletes every attached block volume,
// and the cache volume must outlive the instance.
func (b *ScalewayBackend) Destroy(ctx context.Context, handle InstanceHandle) error {
	server, err := b.fetchInstance(ctx, handle)
	if err != nil {
		return err
	}
	if server == nil {
		return nil
	}

	if err := b.stopForDeletion(ctx, handle, server); err != nil {
		return err
	}
	if err := b.deleteServer(ctx, handle); err != nil {
		return err
	}
	if err := b.waitUntilGone(ctx, handle); err != nil {
		return err
	}

	if root, ok := server.Volumes["0"]; ok && root.ID != "" {
		if err := b.deleteVolume(ctx, handle.Zone, root.ID); err != nil {
			return err
		}
	}

	logging.Logger().Info("Scaleway instance destroyed", zap.String("instance_id", handle.ID))
	return nil
}

// stopForDeletion brings the server to the stopped state DELETE requires.
func (b *ScalewayBackend) stopForDeletion(ctx context.Context, handle InstanceHandle, server *scwServer) error {
	switch {
	case server.State == scalewayStateStopped:
		return nil
	case slices.Contains(server.AllowedActions, scalewayActionPowerOff):
		if err := b.performAction(ctx, handle, scalewayActionPowerOff); err != nil {
			return err
		}
	case server.State != scalewayStateStopping:
		return providerMessage("instance %s is %s and cannot be powered off for deletion", handle.ID, server.State)
	}

	return b.timing.waitForState(ctx, handle, "wait_for_stopped", func(ctx context.Context) (bool, error) {
		current, err := b.fetchInstance(ctx, handle)
		if err != nil {
			return false, err
		}
		return current == nil || current.State == scalewayStateStopped, nil
	})
}

func (b *ScalewayBackend) deleteServer(ctx context.Context, handle InstanceHandle) error {
	resp, err := b.api.do(ctx, http.MethodDelete, zonePath(handle.Zone, "servers", handle.ID), nil, nil)
	if err != nil {
		return providerError(err)
	}
	if resp.status == http.StatusNotFound || resp.ok() {
		return nil
	}
	return providerMessage("%s", resp.text())
}

func (b *ScalewayBackend) waitUntilGone(ctx context.Context, handle InstanceHandle) error {
	return b.timing.waitUntilGone(ctx, handle, func(ctx context.Context) (bool, error) {
		server, err := b.fetchInstance(ctx, handle)
		return server != nil, err
	})
}

func zonePath(zone string, parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, "zones", url.PathEscape(zone))
	for _, part := range parts {
		escaped = append(escaped, url.PathEscape(part))
	}
	return "/" + strings.Join(escaped, "/")
}

