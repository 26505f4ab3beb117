package provisioning

import (
	"context"
	"fmt"

	"mriya/internal/config"
)

// NewBackend creates the backend selected by cfg.Provider.Type (factory pattern).
// This implements the discriminated union dispatch.
func NewBackend(ctx context.Context, cfg *config.Config, opts ...Option) (Backend, error) {
	if err := cfg.Provider.Validate(); err != nil {
		return nil, configError(err.Error())
	}

	switch cfg.Provider.Type {
	case config.ProviderScaleway:
		return NewScalewayBackend(cfg.Scaleway, opts...)
	case config.ProviderDigitalOcean:
		return NewDigitalOceanBackend(*cfg.Provider.DigitalOcean, opts...)
	case config.ProviderAWS:
		return NewAWSBackend(ctx, *cfg.Provider.AWS, opts...)
	case config.ProviderGCP:
		return NewGCPBackend(ctx, *cfg.Provider.GCP, opts...)
	case config.ProviderYandexCloud:
		return NewYandexBackend(ctx, *cfg.Provider.YandexCloud, opts...)
	default:
		return nil, configError(fmt.Sprintf("unsupported provider type: %s", cfg.Provider.Type))
	}
}

// NewVolumeBackend creates a backend able to manage cache volumes. Only Scaleway can.
func NewVolumeBackend(cfg *config.Config, opts ...Option) (VolumeBackend, error) {
	if cfg.Provider.Type != config.ProviderScaleway {
		return nil, configError(fmt.Sprintf("cache volumes are only supported by the %s provider, got %s",
			config.ProviderScaleway, cfg.Provider.Type))
	}
	return NewScalewayBackend(cfg.Scaleway, opts...)
}

// DefaultRequest builds the instance request for the configured provider.
// Cloud-init user-data comes from the scaleway section for every provider. Other
// providers fall back to a cloud-config authorizing the sync identity's public key.
func DefaultRequest(cfg *config.Config) (InstanceRequest, error) {
	if cfg.Provider.Type == config.ProviderScaleway {
		if err := cfg.Scaleway.Validate(); err != nil {
			return InstanceRequest{}, configError(err.Error())
		}
		return scalewayDefaultRequest(cfg.Scaleway)
	}

	if err := cfg.Provider.Validate(); err != nil {
		return InstanceRequest{}, configError(err.Error())
	}
	userData, err := config.ResolveCloudInitUserData(cfg.Scaleway.CloudInitUserData, cfg.Scaleway.CloudInitUserDataFile)
	if err != nil {
		return InstanceRequest{}, configError(err.Error())
	}
	if userData == "" {
		if userData, err = bootstrapUserData(cfg.Sync); err != nil {
			return InstanceRequest{}, err
		}
	}

	var defaults config.MachineDefaults
	switch cfg.Provider.Type {
	case config.ProviderDigitalOcean:
		defaults = cfg.Provider.DigitalOcean.MachineDefaults
	case config.ProviderAWS:
		defaults = cfg.Provider.AWS.MachineDefaults
	case config.ProviderGCP:
		defaults = cfg.Provider.GCP.MachineDefaults
	case config.ProviderYandexCloud:
		defaults = cfg.Provider.YandexCloud.MachineDefaults
	}

	req := InstanceRequest{
		ImageLabel:        defaults.DefaultImage,
		InstanceType:      defaults.DefaultInstanceType,
		Zone:              defaults.DefaultZone,
		ProjectID:         defaults.ProjectID,
		Architecture:      defaults.DefaultArchitecture,
		CloudInitUserData: userData,
	}.Normalized()
	if err := req.Validate(); err != nil {
		return InstanceRequest{}, err
	}
	return req, nil
}

// rejectVolume is used by backends without the volume capability.
func rejectVolume(provider config.ProviderType, req InstanceRequest) error {
	if req.VolumeID == "" {
		return nil
	}
	return configError(fmt.Sprintf("volume attachment is not supported by the %s provider", provider))
}
