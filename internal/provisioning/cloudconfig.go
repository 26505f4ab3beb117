package provisioning

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"mriya/internal/config"

	"gopkg.in/yaml.v3"
)

const cloudConfigHeader = "#cloud-config\n"

// cloudConfigUser is one entry of the cloud-config users list.
type cloudConfigUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type cloudConfig struct {
	SSHPasswordAuth bool              `yaml:"ssh_pwauth"`
	Users           []cloudConfigUser `yaml:"users"`
}

// AuthorizedKeyCloudConfig renders user-data that creates username with
// passwordless sudo and authorizes publicKey for it.
func AuthorizedKeyCloudConfig(username, publicKey string) (string, error) {
	username = strings.TrimSpace(username)
	publicKey = strings.TrimSpace(publicKey)
	if username == "" || publicKey == "" {
		return "", validationError("cloud-config needs a user name and a public key")
	}

	doc := cloudConfig{
		Users: []cloudConfigUser{{
			Name:              username,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: []string{publicKey},
		}},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render cloud-config: %w", err)
	}
	return cloudConfigHeader + string(data), nil
}

// bootstrapUserData authorizes the sync identity's public key (<identity>.pub)
// on providers that have no other way to install it. It returns "" when no
// identity file is configured or the public half does not exist.
func bootstrapUserData(sync config.SyncConfig) (string, error) {
	identity := sync.IdentityFile()
	if identity == "" {
		return "", nil
	}
	data, err := os.ReadFile(identity + ".pub")
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", configError(fmt.Sprintf("failed to read public key %s.pub: %v", identity, err))
	}
	return AuthorizedKeyCloudConfig(sync.SSHUser, string(data))
}
