package configstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mriya/internal/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdStore keeps the volume id under one etcd key so several workstations share a cache volume.
type EtcdStore struct {
	client *clientv3.Client
	kv     clientv3.KV
	key    string
}

// NewEtcdStore creates a new etcd-based store
func NewEtcdStore(endpoints []string, key string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli, kv: cli.KV, key: key}, nil
}

func newEtcdStoreWithKV(kv clientv3.KV, key string) *EtcdStore {
	return &EtcdStore{kv: kv, key: key}
}

func (s *EtcdStore) CurrentVolumeID(ctx context.Context) (string, error) {
	resp, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return "", s.unavailable(err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return strings.TrimSpace(string(resp.Kvs[0].Value)), nil
}

// WriteVolumeID stores id. Without force the write only succeeds while the key is absent or blank,
// checked in the same transaction as the put.
func (s *EtcdStore) WriteVolumeID(ctx context.Context, id string, force bool) (string, error) {
	id = strings.TrimSpace(id)
	location := "etcd:" + s.key

	if force {
		if _, err := s.kv.Put(ctx, s.key, id); err != nil {
			return "", s.unavailable(err)
		}
		return location, nil
	}

	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(s.key), "=", 0)).
		Then(clientv3.OpPut(s.key, id)).
		Else(clientv3.OpGet(s.key)).
		Commit()
	if err != nil {
		return "", s.unavailable(err)
	}
	if resp.Succeeded {
		logging.Logger().Info("Volume id stored in etcd", zap.String("key", s.key))
		return location, nil
	}

	var raw string
	if len(resp.Responses) > 0 {
		if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
			raw = string(rng.Kvs[0].Value)
		}
	}
	if existing := strings.TrimSpace(raw); existing != "" {
		return "", AlreadyConfigured(existing)
	}

	// Blank value: nothing to protect, as long as nobody wrote in between.
	resp, err = s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(s.key), "=", raw)).
		Then(clientv3.OpPut(s.key, id)).
		Commit()
	if err != nil {
		return "", s.unavailable(err)
	}
	if !resp.Succeeded {
		current, err := s.CurrentVolumeID(ctx)
		if err != nil {
			return "", err
		}
		return "", AlreadyConfigured(current)
	}
	return location, nil
}

// Close closes the etcd connection
func (s *EtcdStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *EtcdStore) unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Path: s.key, Message: err.Error(), Err: err}
}
