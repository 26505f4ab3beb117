package provisioning

import (
	"context"
	"fmt"
	"strings"

	"mriya/internal/config"
	"mriya/internal/logging"

	"github.com/google/uuid"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/compute/v1"
	"github.com/yandex-cloud/go-genproto/yandex/cloud/vpc/v1"
	ycsdk "github.com/yandex-cloud/go-sdk"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	yandexImageFolder = "standard-images"
	yandexDiskType    = "network-ssd"
	gib               = 1 << 30
)

// yandexCompute is the slice of the Yandex Cloud API the backend uses.
// Mutating calls return once their long-running operation has finished.
type yandexCompute interface {
	LatestImage(ctx context.Context, folderID, family string) (*compute.Image, error)
	Subnets(ctx context.Context, folderID string) ([]*vpc.Subnet, error)
	CreateInstance(ctx context.Context, req *compute.CreateInstanceRequest) (*compute.Instance, error)
	GetInstance(ctx context.Context, instanceID string) (*compute.Instance, error)
	DeleteInstance(ctx context.Context, instanceID string) error
}

// sdkCompute implements yandexCompute with the go-sdk client.
type sdkCompute struct {
	sdk *ycsdk.SDK
}

func (c sdkCompute) LatestImage(ctx context.Context, folderID, family string) (*compute.Image, error) {
	return c.sdk.Compute().Image().GetLatestByFamily(ctx, &compute.GetImageLatestByFamilyRequest{
		FolderId: folderID,
		Family:   family,
	})
}

func (c sdkCompute) Subnets(ctx context.Context, folderID string) ([]*vpc.Subnet, error) {
	resp, err := c.sdk.VPC().Subnet().List(ctx, &vpc.ListSubnetsRequest{
		FolderId: folderID,
		PageSize: 100,
	})
	if err != nil {
		return nil, err
	}
	return resp.Subnets, nil
}

func (c sdkCompute) CreateInstance(ctx context.Context, req *compute.CreateInstanceRequest) (*compute.Instance, error) {
	pop, err := c.sdk.Compute().Instance().Create(ctx, req)
	if err != nil {
		return nil, err
	}
	op, err := c.sdk.WrapOperation(pop, nil)
	if err != nil {
		return nil, err
	}
	if err := op.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := op.Response()
	if err != nil {
		return nil, err
	}
	instance, ok := resp.(*compute.Instance)
	if !ok {
		return nil, fmt.Errorf("unexpected create response %T", resp)
	}
	return instance, nil
}

func (c sdkCompute) GetInstance(ctx context.Context, instanceID string) (*compute.Instance, error) {
	return c.sdk.Compute().Instance().Get(ctx, &compute.GetInstanceRequest{InstanceId: instanceID})
}

func (c sdkCompute) DeleteInstance(ctx context.Context, instanceID string) error {
	pop, err := c.sdk.Compute().Instance().Delete(ctx, &compute.DeleteInstanceRequest{InstanceId: instanceID})
	if err != nil {
		return err
	}
	op, err := c.sdk.WrapOperation(pop, nil)
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

// YandexBackend implements Backend for Yandex Cloud. ProjectID is the folder id.
type YandexBackend struct {
	api       yandexCompute
	resources config.YandexCloudConfig
	timing    timing
	testRunID string
}

// NewYandexBackend creates a new instance of YandexBackend
func NewYandexBackend(ctx context.Context, cfg config.YandexCloudConfig, opts ...Option) (*YandexBackend, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	sdk, err := ycsdk.Build(ctx, ycsdk.Config{
		Credentials: ycsdk.NewIAMTokenCredentials(cfg.IAMToken),
	})
	if err != nil {
		return nil, configError(fmt.Sprintf("failed to create SDK: %v", err))
	}

	return &YandexBackend{
		api:       sdkCompute{sdk: sdk},
		resources: cfg,
		timing:    o.timing,
		testRunID: o.testRunID,
	}, nil
}

// yandexLabels turns tags into labels; label keys must be lowercase.
func yandexLabels(tags []string) map[string]string {
	labels := make(map[string]string, len(tags))
	for _, tag := range tags {
		labels[strings.ToLower(tag)] = "true"
	}
	return labels
}

// Create creates a VM from the latest image of the requested family and waits for the create operation.
func (p *YandexBackend) Create(ctx context.Context, req InstanceRequest) (InstanceHandle, error) {
	if err := req.Validate(); err != nil {
		return InstanceHandle{}, err
	}
	req = req.Normalized()
	if err := rejectVolume(config.ProviderYandexCloud, req); err != nil {
		return InstanceHandle{}, err
	}

	subnetID, err := p.findSubnet(ctx, req.ProjectID, req.Zone)
	if err != nil {
		return InstanceHandle{}, err
	}

	image, err := p.api.LatestImage(ctx, yandexImageFolder, req.ImageLabel)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return InstanceHandle{}, imageNotFound(req)
		}
		return InstanceHandle{}, providerError(err)
	}

	request := &compute.CreateInstanceRequest{
		FolderId:   req.ProjectID,
		Name:       "mriya-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ZoneId:     req.Zone,
		PlatformId: req.InstanceType,
		Labels:     yandexLabels(instanceTags(p.testRunID)),
		ResourcesSpec: &compute.ResourcesSpec{
			Cores:  p.resources.Cores,
			Memory: p.resources.MemoryGB * gib,
		},
		BootDiskSpec: &compute.AttachedDiskSpec{
			AutoDelete: true,
			Disk: &compute.AttachedDiskSpec_DiskSpec_{
				DiskSpec: &compute.AttachedDiskSpec_DiskSpec{
					TypeId: yandexDiskType,
					Size:   p.resources.DiskSizeGB * gib,
					Source: &compute.AttachedDiskSpec_DiskSpec_ImageId{
						ImageId: image.Id,
					},
				},
			},
		},
		NetworkInterfaceSpecs: []*compute.NetworkInterfaceSpec{
			{
				SubnetId: subnetID,
				PrimaryV4AddressSpec: &compute.PrimaryAddressSpec{
					OneToOneNatSpec: &compute.OneToOneNatSpec{
						IpVersion: compute.IpVersion_IPV4,
					},
				},
			},
		},
	}
	if req.CloudInitUserData != "" {
		request.Metadata = map[string]string{"user-data": req.CloudInitUserData}
	}

	instance, err := p.api.CreateInstance(ctx, request)
	if err != nil {
		if status.Code(err) == codes.InvalidArgument && strings.Contains(err.Error(), "platform") {
			return InstanceHandle{}, instanceTypeUnavailable(req)
		}
		return InstanceHandle{}, providerError(err)
	}

	handle := InstanceHandle{ID: instance.Id, Zone: instance.ZoneId}
	logging.Logger().Info("Yandex instance created",
		zap.String("instance_id", handle.ID),
		zap.String("name", instance.Name),
		zap.String("zone", handle.Zone))
	return handle, nil
}

// findSubnet returns the first subnet of the folder in zone.
func (p *YandexBackend) findSubnet(ctx context.Context, folderID, zone string) (string, error) {
	subnets, err := p.api.Subnets(ctx, folderID)
	if err != nil {
		return "", providerError(err)
	}

	for _, subnet := range subnets {
		if subnet.ZoneId == zone {
			return subnet.Id, nil
		}
	}
	return "", providerMessage("no subnet found in zone %s", zone)
}

// getInstance returns nil once the API answers NotFound.
func (p *YandexBackend) getInstance(ctx context.Context, handle InstanceHandle) (*compute.Instance, error) {
	instance, err := p.api.GetInstance(ctx, handle.ID)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, providerError(err)
	}
	return instance, nil
}

// WaitForReady waits for a RUNNING instance with a one-to-one NAT address, then for its SSH port.
func (p *YandexBackend) WaitForReady(ctx context.Context, handle InstanceHandle) (InstanceNetworking, error) {
	networking, err := p.timing.waitForAddress(ctx, handle, func(ctx context.Context) (instanceStatus, error) {
		instance, err := p.getInstance(ctx, handle)
		if err != nil || instance == nil {
			return instanceStatus{}, err
		}
		st := instanceStatus{running: instance.Status == compute.Instance_RUNNING}
		if len(instance.NetworkInterfaces) > 0 {
			if addr := instance.NetworkInterfaces[0].PrimaryV4Address; addr != nil && addr.OneToOneNat != nil {
				st.publicIP = addr.OneToOneNat.Address
			}
		}
		return st, nil
	})
	if err != nil {
		return InstanceNetworking{}, err
	}
	if err := p.timing.waitForSSH(ctx, handle, networking); err != nil {
		return InstanceNetworking{}, err
	}
	return networking, nil
}

// Destroy deletes the VM, waits for the operation and then until Get answers NotFound.
func (p *YandexBackend) Destroy(ctx context.Context, handle InstanceHandle) error {
	if err := p.api.DeleteInstance(ctx, handle.ID); err != nil && status.Code(err) != codes.NotFound {
		return providerError(err)
	}

	if err := p.timing.waitUntilGone(ctx, handle, func(ctx context.Context) (bool, error) {
		instance, err := p.getInstance(ctx, handle)
		return instance != nil, err
	}); err != nil {
		return err
	}

	logging.Logger().Info("Yandex instance deleted", zap.String("instance_id", handle.ID))
	return nil
}
