package provisioning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mriya/internal/config"
	"mriya/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gcpStatusRunning = "RUNNING"
	gcpOperationDone = "DONE"
)

// GCPBackend implements Backend with Compute Engine instances. Handles carry the instance name.
type GCPBackend struct {
	service   *compute.Service
	projectID string
	timing    timing
	testRunID string
}

// NewGCPBackend creates a new instance of GCPBackend
func NewGCPBackend(ctx context.Context, cfg config.GCPConfig, opts ...Option) (*GCPBackend, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsPath != "" {
		clientOpts = append(clientOpts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsPath))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(o.baseURL), option.WithoutAuthentication())
	}

	service, err := compute.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, configError(fmt.Sprintf("failed to create compute service: %v", err))
	}

	return &GCPBackend{
		service:   service,
		projectID: cfg.ProjectID,
		timing:    o.timing,
		testRunID: o.testRunID,
	}, nil
}

// gcpLabels turns tags into labels; label keys must be lowercase.
func gcpLabels(tags []string) map[string]string {
	labels := make(map[string]string, len(tags))
	for _, tag := range tags {
		labels[strings.ToLower(tag)] = ""
	}
	return labels
}

// Create inserts an instance with an external NAT address and waits for the insert operation.
func (p *GCPBackend) Create(ctx context.Context, req InstanceRequest) (InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return InstanceHandle{}, err
	}
	req = req.Normalized()
	if err := rejectVolume(config.ProviderGCP, req); err != nil {
		return InstanceHandle{}, err
	}

	name := "mriya-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	instance := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", req.Zone, req.InstanceType),
		Labels:      gcpLabels(instanceTags(p.testRunID)),
		Disks: []*compute.AttachedDisk{
			{
				AutoDelete: true,
				Boot:       true,
				Type:       "PERSISTENT",
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: req.ImageLabel,
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{
			{
				AccessConfigs: []*compute.AccessConfig{
					{Type: "ONE_TO_ONE_NAT", Name: "External NAT"},
				},
				Network: "global/networks/default",
			},
		},
	}
	if req.CloudInitUserData != "" {
		userData := req.CloudInitUserData
		instance.Metadata = &compute.Metadata{
			Items: []*compute.MetadataItems{{Key: "user-data", Value: &userData}},
		}
	}

	op, err := p.service.Instances.Insert(req.ProjectID, req.Zone, instance).Context(ctx).Do()
	if err != nil {
		return InstanceHandle{}, p.classify(err, req)
	}

	handle := InstanceHandle{ID: name, Zone: req.Zone}
	if err := p.waitForOperation(ctx, handle, op.Name); err != nil {
		return InstanceHandle{}, p.classify(err, req)
	}

	logging.Logger().Info("GCP instance created",
		zap.String("instance_id", name),
		zap.String("zone", req.Zone),
		zap.String("machine_type", req.InstanceType))
	return handle, nil
}

func (p *GCPBackend) classify(err error, req InstanceRequest) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case strings.Contains(gerr.Message, "machineType"):
			return instanceTypeUnavailable(req)
		case strings.Contains(gerr.Message, "sourceImage") || strings.Contains(gerr.Message, "image"):
			if gerr.Code == http.StatusNotFound || gerr.Code == http.StatusBadRequest {
				return imageNotFound(req)
			}
		}
	}
	var berr *Error
	if errors.As(err, &berr) {
		return berr
	}
	return providerError(err)
}

func (p *GCPBackend) waitForOperation(ctx context.Context, handle InstanceHandle, opName string) error {
	deadline := time.Now().Add(p.timing.waitTimeout)
	for !time.Now().After(deadline) {
		op, err := p.service.ZoneOperations.Get(p.projectID, handle.Zone, opName).Context(ctx).Do()
		if err != nil {
			return err
		}
		if op.Status == gcpOperationDone {
			if op.Error != nil && len(op.Error.Errors) > 0 {
				return &googleapi.Error{Code: http.StatusBadRequest, Message: op.Error.Errors[0].Message}
			}
			return nil
		}
		if err := p.timing.sleep(ctx); err != nil {
			return providerError(err)
		}
	}
	return timeoutError("operation "+opName, handle.ID)
}

// getInstance returns nil once the API answers 404.
func (p *GCPBackend) getInstance(ctx context.Context, handle InstanceHandle) (*compute.Instance, error) {
	instance, err := p.service.Instances.Get(p.projectID, handle.Zone, handle.ID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, providerError(err)
	}
	return instance, nil
}

// WaitForReady waits for a RUNNING instance with a NAT address, then for its SSH port.
func (p *GCPBackend) WaitForReady(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error) {
	networking, err := p.timing.waitForAddress(ctx, handle, func(ctx context.Context) (instanceStatus, error) {
		instance, err := p.getInstance(ctx, handle)
		if err != nil || instance == nil {
			return instanceStatus{}, err
		}
		status := instanceStatus{running: instance.Status == gcpStatusRunning}
		if len(instance.NetworkInterfaces) > 0 && len(instance.NetworkInterfaces[0].AccessConfigs) > 0 {
			status.publicIP = instance.NetworkInterfaces[0].AccessConfigs[0].NatIP
		}
		return status, nil
	})
	if err != nil {
		return InstanceNetworking{}, err
	}
	if err := p.timing.waitForSSH(ctx, handle, networking); err != nil {
		return InstanceNetworking{}, err
	}
	return networking, nil
}

// Destroy deletes the instance and waits until Get answers 404.
func (p *GCPBackend) Destroy(ctx context.Context, handle InstanceHandle) error {
	if _, err := p.service.Instances.Delete(p.projectID, handle.Zone, handle.ID).Context(ctx).Do(); err != nil {
		var gerr *googleapi.Error
		if !errors.As(err, &gerr) || gerr.Code != http.StatusNotFound {
			return providerError(err)
		}
	}

	if err := p.timing.waitUntilGone(ctx, handle, func(ctx context.Context) (bool, error) {
		instance, err := p.getInstance(ctx, handle)
		return instance != nil, err
	}); err != nil {
		return err
	}

	logging.Logger().Info("GCP instance deleted", zap.String("instance_id", handle.ID))
	return nil
}
