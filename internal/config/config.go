package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// ConfigPathEnv points at an explicit configuration file.
	ConfigPathEnv = "MRIYA_CONFIG_PATH"
	// FileName is the project-local configuration file.
	FileName = "mriya.yaml"
	// DotfileName is the configuration file looked up in the home directory.
	DotfileName = ".mriya.yaml"
	appName     = "mriya"
)

// Config contains application configuration
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Scaleway ScalewayConfig `yaml:"scaleway"`
	Sync     SyncConfig     `yaml:"sync"`
	Run      RunConfig      `yaml:"run"`
	Init     InitConfig     `yaml:"init"`
	Etcd     EtcdConfig     `yaml:"etcd"`

	// Path is the file the configuration was read from, empty when none existed.
	Path string `yaml:"-"`
}

// RunConfig tunes the run workflow.
type RunConfig struct {
	// TestRunID tags every created resource with mriya-test-run-<id> so the janitor can find it.
	TestRunID             string        `yaml:"test_run_id"`
	CloudInitPollInterval time.Duration `yaml:"cloud_init_poll_interval" validate:"gt=0"`
	CloudInitWaitTimeout  time.Duration `yaml:"cloud_init_wait_timeout" validate:"gt=0"`
}

// InitConfig tunes the cache volume initialisation workflow.
type InitConfig struct {
	VolumeSizeGB uint64 `yaml:"volume_size_gb" validate:"gt=0"`
}

// EtcdConfig enables the shared volume id store.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	// Key holding the default volume id.
	Key string `yaml:"key"`
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Type: ProviderScaleway},
		Scaleway: defaultScalewayConfig(),
		Sync:     DefaultSyncConfig(),
		Run: RunConfig{
			CloudInitPollInterval: 5 * time.Second,
			CloudInitWaitTimeout:  600 * time.Second,
		},
		Init: InitConfig{VolumeSizeGB: 20},
		Etcd: EtcdConfig{Key: "/mriya/scaleway/default_volume_id"},
	}
}

// Candidates lists configuration file locations in lookup order.
// An explicit MRIYA_CONFIG_PATH is the only candidate when set.
func Candidates() []string {
	if explicit := strings.TrimSpace(os.Getenv(ConfigPathEnv)); explicit != "" {
		return []string{explicit}
	}

	var candidates []string
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, appName, FileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, DotfileName))
	}
	return append(candidates, FileName)
}

// Discover returns the first existing candidate, or the last candidate with exists=false.
func Discover() (path string, exists bool, err error) {
	candidates := Candidates()
	for _, candidate := range candidates {
		_, statErr := os.Stat(candidate)
		if statErr == nil {
			return candidate, true, nil
		}
		if !errors.Is(statErr, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to access %s: %w", candidate, statErr)
		}
	}
	return candidates[len(candidates)-1], false, nil
}

// Load loads configuration from the discovered YAML file and the environment.
// Provider credentials are not required here: commands validate what they use.
func Load() (*Config, error) {
	cfg := Default()

	path, exists, err := Discover()
	if err != nil {
		return nil, err
	}

	if exists {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.Path = path
	}

	cfg.expandEnv()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandEnv() {
	s := &c.Scaleway
	for _, field := range []*string{
		&s.AccessKey, &s.SecretKey, &s.DefaultOrganizationID, &s.DefaultProjectID,
		&s.DefaultZone, &s.DefaultInstanceType, &s.DefaultImage, &s.DefaultArchitecture,
		&s.DefaultVolumeID,
	} {
		*field = os.ExpandEnv(*field)
	}
	if s.CloudInitUserDataFile != nil {
		expanded := os.ExpandEnv(*s.CloudInitUserDataFile)
		s.CloudInitUserDataFile = &expanded
	}
	if c.Sync.SSHIdentityFile != nil {
		expanded := os.ExpandEnv(*c.Sync.SSHIdentityFile)
		c.Sync.SSHIdentityFile = &expanded
	}
	c.Provider.expandEnv()
}

func (c *Config) applyEnvOverrides() {
	if provider := os.Getenv("MRIYA_PROVIDER"); provider != "" {
		c.Provider.Type = ProviderType(provider)
	}
	if testRunID, ok := os.LookupEnv("MRIYA_TEST_RUN_ID"); ok {
		c.Run.TestRunID = strings.TrimSpace(testRunID)
	}
	if endpoints := os.Getenv("MRIYA_ETCD_ENDPOINTS"); endpoints != "" {
		c.Etcd.Endpoints = splitList(endpoints)
	}

	c.Scaleway.applyEnvOverrides()
	c.Sync.applyEnvOverrides()
	c.Provider.applyEnvOverrides()
}

func (c *Config) validate() error {
	if err := validateStruct(c.Run); err != nil {
		return fmt.Errorf("invalid run configuration: %w", err)
	}
	if err := validateStruct(c.Init); err != nil {
		return fmt.Errorf("invalid init configuration: %w", err)
	}
	if err := c.Provider.validateType(); err != nil {
		return err
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func lookupString(env string, target *string) {
	if value, ok := os.LookupEnv(env); ok {
		*target = value
	}
}

func lookupOptional(env string, target **string) {
	if value, ok := os.LookupEnv(env); ok {
		v := value
		*target = &v
	}
}
