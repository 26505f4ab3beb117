package control

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// workspace is the set of local paths a sync transfers, relative to its root and slash-separated.
type workspace struct {
	root   string
	ignore *ignore.GitIgnore
	dirs   []string
	files  []workspaceFile
	index  map[string]bool // path -> is directory
}

type workspaceFile struct {
	rel  string
	mode fs.FileMode
	size int64
}

// scanWorkspace walks root, skipping .git/ and whatever the top-level .gitignore excludes.
// Parent directories are listed before their children.
func scanWorkspace(root string) (*workspace, error) {
	ws := &workspace{root: root, index: map[string]bool{}}

	matcher, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	switch {
	case err == nil:
		ws.ignore = matcher
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read .gitignore: %w", err)
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("failed to calculate relative path: %w", err)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ws.excluded(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			ws.dirs = append(ws.dirs, rel)
			ws.index[rel] = true
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		ws.files = append(ws.files, workspaceFile{rel: rel, mode: info.Mode().Perm(), size: info.Size()})
		ws.index[rel] = false
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace %s: %w", root, err)
	}
	return ws, nil
}

// excluded reports whether rel is never transferred nor deleted on the remote side.
func (ws *workspace) excluded(rel string, dir bool) bool {
	if rel == ".git" || strings.HasPrefix(rel, ".git/") {
		return true
	}
	if ws.ignore == nil {
		return false
	}
	if ws.ignore.MatchesPath(rel) {
		return true
	}
	return dir && ws.ignore.MatchesPath(rel+"/")
}

// keeps reports whether a remote entry of this kind at rel matches the local workspace.
func (ws *workspace) keeps(rel string, dir bool) bool {
	isDir, ok := ws.index[rel]
	return ok && isDir == dir
}

func (ws *workspace) localPath(rel string) string {
	return filepath.Join(ws.root, filepath.FromSlash(rel))
}
