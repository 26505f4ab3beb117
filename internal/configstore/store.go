package configstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"mriya/internal/config"
	"mriya/internal/logging"

	"go.uber.org/zap"
)

// Store persists the default cache volume id.
type Store interface {
	// CurrentVolumeID returns the configured volume id, or "" when none is set.
	CurrentVolumeID(ctx context.Context) (string, error)
	// WriteVolumeID stores id and returns where it was written. Without force an existing
	// id is never replaced and an AlreadyConfigured error carries it.
	WriteVolumeID(ctx context.Context, id string, force bool) (string, error)
	// Close closes any connections
	Close() error
}

// ErrorKind classifies store failures.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindParse
	KindInvalidStructure
	KindAlreadyConfigured
	KindUnavailable
)

// Error is returned by every Store implementation.
type Error struct {
	Kind     ErrorKind
	Path     string
	VolumeID string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindIO:
		return fmt.Sprintf("failed to access %s: %s", e.Path, e.Message)
	case KindParse:
		return fmt.Sprintf("failed to parse %s: %s", e.Path, e.Message)
	case KindInvalidStructure:
		return fmt.Sprintf("invalid configuration in %s: %s", e.Path, e.Message)
	case KindAlreadyConfigured:
		return fmt.Sprintf("default volume ID already configured as %s; rerun with --force to replace it", e.VolumeID)
	default:
		return fmt.Sprintf("failed to access etcd key %s: %s", e.Path, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AlreadyConfigured is the refusal to replace an existing volume id.
func AlreadyConfigured(volumeID string) *Error {
	return &Error{Kind: KindAlreadyConfigured, VolumeID: volumeID}
}

// NewStore returns the etcd store when endpoints are configured and reachable,
// otherwise the configuration file store.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	fileStore, err := NewFileStoreFor(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Etcd.Endpoints) == 0 {
		return fileStore, nil
	}

	logging.Logger().Info("Attempting to connect to etcd",
		zap.Strings("endpoints", cfg.Etcd.Endpoints))

	etcdStore, err := NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.Key)
	if err != nil {
		logging.Logger().Warn("failed to create etcd client, using configuration file",
			zap.String("path", fileStore.Path()),
			zap.Error(err))
		return fileStore, nil
	}

	testCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := etcdStore.kv.Get(testCtx, cfg.Etcd.Key); err != nil {
		logging.Logger().Warn("etcd not available, using configuration file",
			zap.String("path", fileStore.Path()),
			zap.Error(err))
		_ = etcdStore.Close()
		return fileStore, nil
	}

	logging.Logger().Info("Using etcd for the default volume id", zap.String("key", cfg.Etcd.Key))
	return etcdStore, nil
}

// RunVolumeID picks the volume a run attaches. A non-blank SCW_DEFAULT_VOLUME_ID wins,
// then a non-blank stored id, then fallback. Store failures are logged and fall through.
func RunVolumeID(ctx context.Context, store Store, fallback string) string {
	if fromEnv := strings.TrimSpace(os.Getenv(config.VolumeIDEnv)); fromEnv != "" {
		return fromEnv
	}

	stored, err := store.CurrentVolumeID(ctx)
	if err != nil {
		logging.Logger().Warn("failed to read volume id, using configuration", zap.Error(err))
		return strings.TrimSpace(fallback)
	}
	if stored = strings.TrimSpace(stored); stored != "" {
		return stored
	}
	return strings.TrimSpace(fallback)
}

// MemoryStore keeps the volume id in memory
type MemoryStore struct {
	mu       sync.Mutex
	volumeID string
	writes   int
}

// NewMemoryStore starts with volumeID, which may be empty.
func NewMemoryStore(volumeID string) *MemoryStore {
	return &MemoryStore{volumeID: strings.TrimSpace(volumeID)}
}

func (m *MemoryStore) CurrentVolumeID(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumeID, nil
}

func (m *MemoryStore) WriteVolumeID(_ context.Context, id string, force bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.volumeID != "" && !force {
		return "", AlreadyConfigured(m.volumeID)
	}
	m.volumeID = strings.TrimSpace(id)
	m.writes++
	return "memory", nil
}

// Writes counts successful writes.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) Close() error {
	return nil
}
