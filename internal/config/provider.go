package config

import (
	"fmt"
	"os"
)

// ProviderType selects the cloud backend.
type ProviderType string

const (
	ProviderScaleway     ProviderType = "scaleway"
	ProviderDigitalOcean ProviderType = "digitalocean"
	ProviderAWS          ProviderType = "aws"
	ProviderGCP          ProviderType = "gcp"
	ProviderYandexCloud  ProviderType = "yandex_cloud"
)

// ProviderConfig is a discriminated union: Type picks which of the sections is used.
// Scaleway settings live in the top-level scaleway section.
type ProviderConfig struct {
	Type         ProviderType        `yaml:"type"`
	DigitalOcean *DigitalOceanConfig `yaml:"digitalocean"`
	AWS          *AWSConfig          `yaml:"aws"`
	GCP          *GCPConfig          `yaml:"gcp"`
	YandexCloud  *YandexCloudConfig  `yaml:"yandex_cloud"`
}

// MachineDefaults are the request defaults every alternative provider carries.
type MachineDefaults struct {
	ProjectID           string `yaml:"project_id" validate:"required"`
	DefaultZone         string `yaml:"default_zone" validate:"required"`
	DefaultInstanceType string `yaml:"default_instance_type" validate:"required"`
	DefaultImage        string `yaml:"default_image" validate:"required"`
	DefaultArchitecture string `yaml:"default_architecture" validate:"required"`
}

// DigitalOceanConfig configures the droplet backend.
type DigitalOceanConfig struct {
	Token           string `yaml:"token" validate:"required"`
	MachineDefaults `yaml:",inline"`
}

// AWSConfig configures the EC2 backend.
type AWSConfig struct {
	Region          string `yaml:"region" validate:"required"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// ImageOwner restricts AMI lookup, e.g. 099720109477 for Canonical.
	ImageOwner      string `yaml:"image_owner"`
	MachineDefaults `yaml:",inline"`
}

// GCPConfig configures the Compute Engine backend. ProjectID doubles as the GCP project.
type GCPConfig struct {
	CredentialsPath string `yaml:"credentials_path"`
	MachineDefaults `yaml:",inline"`
}

// YandexCloudConfig configures the Yandex Compute backend. ProjectID is the folder id.
type YandexCloudConfig struct {
	IAMToken        string `yaml:"iam_token" validate:"required"`
	Cores           int64  `yaml:"cores" validate:"gt=0"`
	MemoryGB        int64  `yaml:"memory_gb" validate:"gt=0"`
	DiskSizeGB      int64  `yaml:"disk_size_gb" validate:"gt=0"`
	MachineDefaults `yaml:",inline"`
}

func (p *ProviderConfig) validateType() error {
	switch p.Type {
	case ProviderScaleway, ProviderDigitalOcean, ProviderAWS, ProviderGCP, ProviderYandexCloud:
		return nil
	default:
		return fmt.Errorf("unsupported provider type: %s", p.Type)
	}
}

// Validate checks the section selected by Type.
func (p *ProviderConfig) Validate() error {
	if err := p.validateType(); err != nil {
		return err
	}
	var section any
	switch p.Type {
	case ProviderScaleway:
		return nil
	case ProviderDigitalOcean:
		if p.DigitalOcean == nil {
			return fmt.Errorf("digitalocean config is nil")
		}
		section = *p.DigitalOcean
	case ProviderAWS:
		if p.AWS == nil {
			return fmt.Errorf("aws config is nil")
		}
		section = *p.AWS
	case ProviderGCP:
		if p.GCP == nil {
			return fmt.Errorf("gcp config is nil")
		}
		section = *p.GCP
	case ProviderYandexCloud:
		if p.YandexCloud == nil {
			return fmt.Errorf("yandex_cloud config is nil")
		}
		section = *p.YandexCloud
	}
	if err := validateStruct(section); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", p.Type, err)
	}
	return nil
}

func (p *ProviderConfig) expandEnv() {
	if p.DigitalOcean != nil {
		p.DigitalOcean.Token = os.ExpandEnv(p.DigitalOcean.Token)
	}
	if p.AWS != nil {
		p.AWS.AccessKeyID = os.ExpandEnv(p.AWS.AccessKeyID)
		p.AWS.SecretAccessKey = os.ExpandEnv(p.AWS.SecretAccessKey)
	}
	if p.GCP != nil {
		p.GCP.CredentialsPath = ExpandTilde(os.ExpandEnv(p.GCP.CredentialsPath))
	}
	if p.YandexCloud != nil {
		p.YandexCloud.IAMToken = os.ExpandEnv(p.YandexCloud.IAMToken)
	}
}

func (p *ProviderConfig) applyEnvOverrides() {
	if p.DigitalOcean != nil {
		lookupString("DIGITALOCEAN_TOKEN", &p.DigitalOcean.Token)
	}
	if p.AWS != nil {
		lookupString("AWS_REGION", &p.AWS.Region)
	}
	if p.GCP != nil {
		lookupString("GOOGLE_APPLICATION_CREDENTIALS", &p.GCP.CredentialsPath)
	}
	if p.YandexCloud != nil {
		// Override with environment variables if set (yc iam create-token)
		lookupString("YC_TOKEN", &p.YandexCloud.IAMToken)
		lookupString("YC_FOLDER_ID", &p.YandexCloud.ProjectID)
	}
}
