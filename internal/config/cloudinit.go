package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CloudInitErrorKind classifies cloud-init payload resolution failures.
type CloudInitErrorKind int

const (
	CloudInitBothProvided CloudInitErrorKind = iota + 1
	CloudInitInlineEmpty
	CloudInitFilePathEmpty
	CloudInitFileEmpty
	CloudInitFileRead
)

// CloudInitError is returned by ResolveCloudInitUserData.
type CloudInitError struct {
	Kind CloudInitErrorKind
	Path string
	Err  error
}

func (e *CloudInitError) Error() string {
	switch e.Kind {
	case CloudInitBothProvided:
		return "cloud-init user-data cannot be provided both inline and via file"
	case CloudInitInlineEmpty:
		return "cloud-init user-data must not be empty"
	case CloudInitFilePathEmpty:
		return "cloud-init user-data file path must not be empty"
	case CloudInitFileEmpty:
		return "cloud-init user-data file must not be empty"
	default:
		return fmt.Sprintf("failed to read cloud-init user-data file `%s`: %v", e.Path, e.Err)
	}
}

func (e *CloudInitError) Unwrap() error {
	return e.Err
}

func asCloudInitError(err error, target **CloudInitError) bool {
	return errors.As(err, target)
}

// ResolveCloudInitUserData picks the inline payload or reads the file; nil for both means no payload.
func ResolveCloudInitUserData(inline, file *string) (string, error) {
	if inline != nil && file != nil {
		return "", &CloudInitError{Kind: CloudInitBothProvided}
	}

	if inline != nil {
		if strings.TrimSpace(*inline) == "" {
			return "", &CloudInitError{Kind: CloudInitInlineEmpty}
		}
		return *inline, nil
	}

	if file == nil {
		return "", nil
	}
	if strings.TrimSpace(*file) == "" {
		return "", &CloudInitError{Kind: CloudInitFilePathEmpty}
	}

	path := ExpandTilde(*file)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &CloudInitError{Kind: CloudInitFileRead, Path: path, Err: err}
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", &CloudInitError{Kind: CloudInitFileEmpty, Path: path}
	}
	return string(data), nil
}

// ExpandTilde replaces a leading "~/" with the home directory. Other paths are returned unchanged.
func ExpandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, path[2:])
}
