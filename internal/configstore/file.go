package configstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"mriya/internal/config"

	"gopkg.in/yaml.v3"
)

const (
	scalewaySection = "scaleway"
	volumeKey       = "default_volume_id"
)

// FileStore rewrites scaleway.default_volume_id in the YAML configuration file.
// Comments, ordering and unrelated keys are preserved.
type FileStore struct {
	path string
}

// NewFileStore uses the file at path, which need not exist yet.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// NewFileStoreFor targets the file cfg was loaded from, or the discovered default location.
func NewFileStoreFor(cfg *config.Config) (*FileStore, error) {
	if cfg.Path != "" {
		return NewFileStore(cfg.Path), nil
	}
	path, _, err := config.Discover()
	if err != nil {
		return nil, &Error{Kind: KindIO, Path: path, Message: err.Error(), Err: err}
	}
	return NewFileStore(path), nil
}

// Path is the target file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) CurrentVolumeID(context.Context) (string, error) {
	doc, err := s.load()
	if err != nil {
		return "", err
	}
	return s.readVolumeID(doc)
}

func (s *FileStore) WriteVolumeID(_ context.Context, id string, force bool) (string, error) {
	doc, err := s.load()
	if err != nil {
		return "", err
	}

	existing, err := s.readVolumeID(doc)
	if err != nil {
		return "", err
	}
	if existing != "" && !force {
		return "", AlreadyConfigured(existing)
	}

	if err := s.setVolumeID(doc, strings.TrimSpace(id)); err != nil {
		return "", err
	}
	if err := s.save(doc); err != nil {
		return "", err
	}
	return s.path, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() (*yaml.Node, error) {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, s.ioError(err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Kind: KindParse, Path: s.path, Message: err.Error(), Err: err}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, s.invalid("configuration root is not a mapping")
	}
	return &doc, nil
}

func (s *FileStore) readVolumeID(doc *yaml.Node) (string, error) {
	section := lookup(doc.Content[0], scalewaySection)
	if section == nil || isNull(section) {
		return "", nil
	}
	if section.Kind != yaml.MappingNode {
		return "", s.invalid(scalewaySection + " must be a mapping")
	}

	value := lookup(section, volumeKey)
	if value == nil || isNull(value) {
		return "", nil
	}
	if value.Kind != yaml.ScalarNode || value.ShortTag() != "!!str" {
		return "", s.invalid(scalewaySection + "." + volumeKey + " must be a string")
	}
	return strings.TrimSpace(value.Value), nil
}

func (s *FileStore) setVolumeID(doc *yaml.Node, id string) error {
	root := doc.Content[0]
	section := lookup(root, scalewaySection)
	switch {
	case section == nil:
		section = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		root.Content = append(root.Content, scalarNode(scalewaySection), section)
	case isNull(section):
		*section = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	case section.Kind != yaml.MappingNode:
		return s.invalid(scalewaySection + " must be a mapping")
	}

	if value := lookup(section, volumeKey); value != nil {
		*value = *scalarNode(id)
		return nil
	}
	section.Content = append(section.Content, scalarNode(volumeKey), scalarNode(id))
	return nil
}

// save writes through a temporary file in the same directory and renames it into place.
func (s *FileStore) save(doc *yaml.Node) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return &Error{Kind: KindParse, Path: s.path, Message: err.Error(), Err: err}
	}
	if err := encoder.Close(); err != nil {
		return &Error{Kind: KindParse, Path: s.path, Message: err.Error(), Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Kind: KindIO, Path: dir, Message: err.Error(), Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".mriya-*.yaml")
	if err != nil {
		return s.ioError(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return s.ioError(err)
	}
	if err := tmp.Close(); err != nil {
		return s.ioError(err)
	}
	if info, err := os.Stat(s.path); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode().Perm())
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return s.ioError(err)
	}
	return nil
}

func (s *FileStore) ioError(err error) *Error {
	return &Error{Kind: KindIO, Path: s.path, Message: err.Error(), Err: err}
}

func (s *FileStore) invalid(message string) *Error {
	return &Error{Kind: KindInvalidStructure, Path: s.path, Message: message}
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null"
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}
