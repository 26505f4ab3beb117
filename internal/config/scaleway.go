package config

import (
	"fmt"
	"strings"
)

const scalewaySection = "scaleway"

// ScalewayConfig holds Scaleway credentials and the defaults used to build instance requests.
type ScalewayConfig struct {
	AccessKey             string `yaml:"access_key"`
	SecretKey             string `yaml:"secret_key"`
	DefaultOrganizationID string `yaml:"default_organization_id"`
	DefaultProjectID      string `yaml:"default_project_id"`
	DefaultZone           string `yaml:"default_zone"`
	DefaultInstanceType   string `yaml:"default_instance_type"`
	DefaultImage          string `yaml:"default_image"`
	DefaultArchitecture   string `yaml:"default_architecture"`
	DefaultVolumeID       string `yaml:"default_volume_id"`

	CloudInitUserData     *string `yaml:"cloud_init_user_data"`
	CloudInitUserDataFile *string `yaml:"cloud_init_user_data_file"`
}

func defaultScalewayConfig() ScalewayConfig {
	return ScalewayConfig{
		DefaultZone:         "fr-par-1",
		DefaultInstanceType: "DEV1-S",
		DefaultImage:        "Ubuntu 24.04 Noble Numbat",
		DefaultArchitecture: "x86_64",
	}
}

// VolumeIDEnv overrides the default cache volume id wherever it is stored.
const VolumeIDEnv = "SCW_DEFAULT_VOLUME_ID"

func (s *ScalewayConfig) applyEnvOverrides() {
	lookupString("SCW_ACCESS_KEY", &s.AccessKey)
	lookupString("SCW_SECRET_KEY", &s.SecretKey)
	lookupString("SCW_DEFAULT_ORGANIZATION_ID", &s.DefaultOrganizationID)
	lookupString("SCW_DEFAULT_PROJECT_ID", &s.DefaultProjectID)
	lookupString("SCW_DEFAULT_ZONE", &s.DefaultZone)
	lookupString("SCW_DEFAULT_INSTANCE_TYPE", &s.DefaultInstanceType)
	lookupString("SCW_DEFAULT_IMAGE", &s.DefaultImage)
	lookupString("SCW_DEFAULT_ARCHITECTURE", &s.DefaultArchitecture)
	lookupString(VolumeIDEnv, &s.DefaultVolumeID)
	lookupOptional("SCW_CLOUD_INIT_USER_DATA", &s.CloudInitUserData)
	lookupOptional("SCW_CLOUD_INIT_USER_DATA_FILE", &s.CloudInitUserDataFile)
}

type fieldMetadata struct {
	description string
	env         string
	key         string
}

// MissingFieldError reports a required Scaleway setting that is blank.
type MissingFieldError struct {
	Description string
	Env         string
	Key         string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing %s: set %s or add %s to %s in %s",
		e.Description, e.Env, e.Key, scalewaySection, FileName)
}

// Validate checks required fields and that the cloud-init settings resolve.
func (s ScalewayConfig) Validate() error {
	if err := s.validateRequired(); err != nil {
		return err
	}
	_, err := s.ResolveCloudInit()
	return err
}

func (s ScalewayConfig) validateRequired() error {
	required := []struct {
		value string
		meta  fieldMetadata
	}{
		{s.SecretKey, fieldMetadata{"Scaleway API secret key", "SCW_SECRET_KEY", "secret_key"}},
		{s.DefaultProjectID, fieldMetadata{"Scaleway project ID", "SCW_DEFAULT_PROJECT_ID", "default_project_id"}},
		{s.DefaultImage, fieldMetadata{"VM image", "SCW_DEFAULT_IMAGE", "default_image"}},
		{s.DefaultInstanceType, fieldMetadata{"instance type", "SCW_DEFAULT_INSTANCE_TYPE", "default_instance_type"}},
		{s.DefaultZone, fieldMetadata{"availability zone", "SCW_DEFAULT_ZONE", "default_zone"}},
		{s.DefaultArchitecture, fieldMetadata{"CPU architecture", "SCW_DEFAULT_ARCHITECTURE", "default_architecture"}},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return &MissingFieldError{
				Description: field.meta.description,
				Env:         field.meta.env,
				Key:         field.meta.key,
			}
		}
	}
	return nil
}

// ResolveCloudInit returns the cloud-init payload configured inline or by file, empty when neither is set.
func (s ScalewayConfig) ResolveCloudInit() (string, error) {
	payload, err := ResolveCloudInitUserData(s.CloudInitUserData, s.CloudInitUserDataFile)
	if err != nil {
		return "", describeCloudInitError(err)
	}
	return payload, nil
}

func describeCloudInitError(err error) error {
	var cerr *CloudInitError
	if !asCloudInitError(err, &cerr) {
		return err
	}
	switch cerr.Kind {
	case CloudInitBothProvided:
		return fmt.Errorf("cloud-init user-data can be provided either inline or via a file, not both; " +
			"set only one of SCW_CLOUD_INIT_USER_DATA or SCW_CLOUD_INIT_USER_DATA_FILE " +
			"(or cloud_init_user_data / cloud_init_user_data_file in scaleway): %w", err)
	case CloudInitInlineEmpty:
		return fmt.Errorf("cloud-init user-data must not be empty; set SCW_CLOUD_INIT_USER_DATA " +
			"(or cloud_init_user_data in scaleway): %w", err)
	case CloudInitFilePathEmpty, CloudInitFileEmpty:
		return fmt.Errorf("cloud-init user-data file must not be empty; set SCW_CLOUD_INIT_USER_DATA_FILE " +
			"(or cloud_init_user_data_file in scaleway): %w", err)
	default:
		return err
	}
}
