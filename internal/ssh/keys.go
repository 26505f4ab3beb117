package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"mriya/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// KeyPair represents an SSH key pair held in memory
type KeyPair struct {
	PrivateKey string // PEM-encoded OpenSSH private key
	PublicKey  string // authorized_keys line
}

// GenerateKeyPair generates an ed25519 key pair in memory
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(private, "mriya")
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	publicKey, err := ssh.NewPublicKey(public)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: string(pem.EncodeToMemory(block)),
		PublicKey:  string(ssh.MarshalAuthorizedKey(publicKey)),
	}, nil
}

// Signer parses the private key of the pair.
func (kp *KeyPair) Signer() (ssh.Signer, error) {
	return ParsePrivateKey([]byte(kp.PrivateKey))
}

// ParsePrivateKey parses an unencrypted PEM private key
func ParsePrivateKey(data []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// LoadPrivateKey loads an SSH private key from file
func LoadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParsePrivateKey(data)
}

// DefaultIdentityFiles lists the keys tried when no identity file is configured, in ssh's order.
func DefaultIdentityFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

// LoadSigners returns the signer for identityFile, or every usable default key when it is empty.
// An explicit identity file must load; default keys that are missing or passphrase-protected are skipped.
func LoadSigners(identityFile string) ([]ssh.Signer, error) {
	if identityFile != "" {
		signer, err := LoadPrivateKey(identityFile)
		if err != nil {
			return nil, fmt.Errorf("identity file %s: %w", identityFile, err)
		}
		return []ssh.Signer{signer}, nil
	}

	var signers []ssh.Signer
	for _, path := range DefaultIdentityFiles() {
		signer, err := LoadPrivateKey(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logging.Logger().Debug("skipping default identity",
					zap.String("path", path),
					zap.Error(err))
			}
			continue
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
