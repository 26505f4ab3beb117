package config

import (
	"os"
	"strconv"
	"strings"
)

// Sync transports.
const (
	TransportRsync = "rsync"
	TransportSFTP  = "sftp"
)

// SyncConfig configures workspace synchronisation and remote execution.
type SyncConfig struct {
	Transport                string  `yaml:"transport" validate:"oneof=rsync sftp"`
	RsyncBin                 string  `yaml:"rsync_bin" validate:"required"`
	SSHBin                   string  `yaml:"ssh_bin" validate:"required"`
	SSHUser                  string  `yaml:"ssh_user" validate:"required"`
	RemotePath               string  `yaml:"remote_path" validate:"required"`
	SSHBatchMode             bool    `yaml:"ssh_batch_mode"`
	SSHStrictHostKeyChecking bool    `yaml:"ssh_strict_host_key_checking"`
	SSHKnownHostsFile        string  `yaml:"ssh_known_hosts_file" validate:"required"`
	SSHIdentityFile          *string `yaml:"ssh_identity_file"`
	VolumeMountPath          string  `yaml:"volume_mount_path" validate:"required"`
	RouteBuildCaches         bool    `yaml:"route_build_caches"`
	CreateCacheDirectories   bool    `yaml:"create_cache_directories"`
	UploadWorkers            int     `yaml:"upload_workers" validate:"gt=0"`
}

// DefaultSyncConfig returns the built-in sync settings.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Transport:              TransportRsync,
		RsyncBin:               "rsync",
		SSHBin:                 "ssh",
		SSHUser:                "root",
		RemotePath:             "/home/ubuntu/project",
		SSHBatchMode:           true,
		SSHKnownHostsFile:      "/dev/null",
		VolumeMountPath:        "/mriya",
		RouteBuildCaches:       true,
		CreateCacheDirectories: true,
		UploadWorkers:          8,
	}
}

// Validate trims string fields and checks that required ones are present.
func (s *SyncConfig) Validate() error {
	for _, field := range []*string{
		&s.Transport, &s.RsyncBin, &s.SSHBin, &s.SSHUser, &s.RemotePath,
		&s.SSHKnownHostsFile, &s.VolumeMountPath,
	} {
		*field = strings.TrimSpace(*field)
	}
	if err := validateStruct(*s); err != nil {
		return err
	}
	if s.SSHIdentityFile != nil && strings.TrimSpace(*s.SSHIdentityFile) == "" {
		return &InvalidFieldError{Field: "ssh_identity_file", Rule: "required"}
	}
	return nil
}

// IdentityFile returns the configured identity path with "~/" expanded, or "".
func (s SyncConfig) IdentityFile() string {
	if s.SSHIdentityFile == nil {
		return ""
	}
	return ExpandTilde(strings.TrimSpace(*s.SSHIdentityFile))
}

func (s *SyncConfig) applyEnvOverrides() {
	lookupString("MRIYA_SYNC_TRANSPORT", &s.Transport)
	lookupString("MRIYA_SYNC_RSYNC_BIN", &s.RsyncBin)
	lookupString("MRIYA_SYNC_SSH_BIN", &s.SSHBin)
	lookupString("MRIYA_SYNC_SSH_USER", &s.SSHUser)
	lookupString("MRIYA_SYNC_REMOTE_PATH", &s.RemotePath)
	lookupString("MRIYA_SYNC_SSH_KNOWN_HOSTS_FILE", &s.SSHKnownHostsFile)
	lookupOptional("MRIYA_SYNC_SSH_IDENTITY_FILE", &s.SSHIdentityFile)
	lookupString("MRIYA_SYNC_VOLUME_MOUNT_PATH", &s.VolumeMountPath)
	lookupBool("MRIYA_SYNC_SSH_BATCH_MODE", &s.SSHBatchMode)
	lookupBool("MRIYA_SYNC_SSH_STRICT_HOST_KEY_CHECKING", &s.SSHStrictHostKeyChecking)
	lookupBool("MRIYA_SYNC_ROUTE_BUILD_CACHES", &s.RouteBuildCaches)
	lookupBool("MRIYA_SYNC_CREATE_CACHE_DIRECTORIES", &s.CreateCacheDirectories)
	if raw, ok := os.LookupEnv("MRIYA_SYNC_UPLOAD_WORKERS"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			s.UploadWorkers = n
		}
	}
}

func lookupBool(env string, target *bool) {
	raw, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
		*target = value
	}
}

