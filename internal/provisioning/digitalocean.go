package provisioning

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"mriya/internal/config"
	"mriya/internal/logging"

	"github.com/digitalocean/godo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const dropletStatusActive = "active"

// DigitalOceanBackend implements Backend with droplets
type DigitalOceanBackend struct {
	client    *godo.Client
	timing    timing
	testRunID string
}

// NewDigitalOceanBackend creates a new instance of DigitalOceanBackend
func NewDigitalOceanBackend(cfg config.DigitalOceanConfig, opts ...Option) (*DigitalOceanBackend, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	client := godo.NewFromToken(cfg.Token)
	if o.baseURL != "" {
		base, err := url.Parse(strings.TrimRight(o.baseURL, "/") + "/")
		if err != nil {
			return nil, configError("invalid DigitalOcean API URL: " + err.Error())
		}
		client.BaseURL = base
	}

	return &DigitalOceanBackend{
		client:    client,
		timing:    o.timing,
		testRunID: o.testRunID,
	}, nil
}

// Create creates a droplet. Region is the request zone, size the instance type and the image label a slug.
func (p *DigitalOceanBackend) Create(ctx context.Context, req InstanceRequest) (InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return InstanceHandle{}, err
	}
	req = req.Normalized()
	if err := rejectVolume(config.ProviderDigitalOcean, req); err != nil {
		return InstanceHandle{}, err
	}

	createRequest := &godo.DropletCreateRequest{
		Name:     "mriya-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Region:   req.Zone,
		Size:     req.InstanceType,
		Image:    godo.DropletCreateImage{Slug: req.ImageLabel},
		UserData: req.CloudInitUserData,
		Tags:     instanceTags(p.testRunID),
	}

	droplet, resp, err := p.client.Droplets.Create(ctx, createRequest)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(err.Error(), "size") {
			return InstanceHandle{}, instanceTypeUnavailable(req)
		}
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity && strings.Contains(err.Error(), "image") {
			return InstanceHandle{}, imageNotFound(req)
		}
		return InstanceHandle{}, providerError(err)
	}

	handle := InstanceHandle{ID: strconv.Itoa(droplet.ID), Zone: req.Zone}
	logging.Logger().Info("DigitalOcean droplet created",
		zap.String("instance_id", handle.ID),
		zap.String("name", droplet.Name),
		zap.String("region", req.Zone))

	if _, _, err := p.client.Projects.AssignResources(ctx, req.ProjectID, droplet.URN()); err != nil {
		logging.Logger().Warn("failed to assign droplet to project",
			zap.String("instance_id", handle.ID),
			zap.String("project_id", req.ProjectID),
			zap.Error(err))
	}

	return handle, nil
}

// getDroplet returns nil when the droplet no longer exists.
func (p *DigitalOceanBackend) getDroplet(ctx context.Context, handle InstanceHandle) (*godo.Droplet, error) {
	id, err := strconv.Atoi(handle.ID)
	if err != nil {
		return nil, providerMessage("invalid droplet id %q", handle.ID)
	}

	droplet, _, err := p.client.Droplets.Get(ctx, id)
	if err != nil {
		if isDropletNotFound(err) {
			return nil, nil
		}
		return nil, providerError(err)
	}
	return droplet, nil
}

func isDropletNotFound(err error) bool {
	var errResp *godo.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound
}

// WaitForReady waits for an active droplet with a public IPv4 address, then for its SSH port.
func (p *DigitalOceanBackend) WaitForReady(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error) {
	networking, err := p.timing.waitForAddress(ctx, handle, func(ctx context.Context) (instanceStatus, error) {
		droplet, err := p.getDroplet(ctx, handle)
		if err != nil || droplet == nil {
			return instanceStatus{}, err
		}
		ip, _ := droplet.PublicIPv4()
		return instanceStatus{running: droplet.Status == dropletStatusActive, publicIP: ip}, nil
	})
	if err != nil {
		return InstanceNetworking{}, err
	}
	if err := p.timing.waitForSSH(ctx, handle, networking); err != nil {
		return InstanceNetworking{}, err
	}
	return networking, nil
}

// Destroy deletes the droplet and waits until the API returns 404 for it.
func (p *DigitalOceanBackend) Destroy(ctx context.Context, handle InstanceHandle) error {
	id, err := strconv.Atoi(handle.ID)
	if err != nil {
		return providerMessage("invalid droplet id %q", handle.ID)
	}

	if _, err := p.client.Droplets.Delete(ctx, id); err != nil && !isDropletNotFound(err) {
		return providerError(err)
	}

	if err := p.timing.waitUntilGone(ctx, handle, func(ctx context.Context) (bool, error) {
		droplet, err := p.getDroplet(ctx, handle)
		return droplet != nil, err
	}); err != nil {
		return err
	}

	logging.Logger().Info("DigitalOcean droplet destroyed", zap.String("instance_id", handle.ID))
	return nil
}
