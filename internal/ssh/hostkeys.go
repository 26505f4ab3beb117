package ssh

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyCallback accepts any host key unless strict checking is on, in which case
// keys must appear in knownHostsFile.
func HostKeyCallback(strict bool, knownHostsFile string) (ssh.HostKeyCallback, error) {
	if !strict {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := strings.TrimSpace(knownHostsFile)
	if path == "" {
		return nil, fmt.Errorf("strict host key checking requires a known hosts file")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return callback, nil
}
