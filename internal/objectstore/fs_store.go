package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/voice-bundle-service/internal/core"
)

// File and directory permissions.
const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

// ErrKeyOutsideRoot indicates a key that would resolve outside the store root.
var ErrKeyOutsideRoot = errors.New("key resolves outside the store root")

// FSObjectStore implements core.ObjectStore over a hierarchical directory tree.
// The key "account/namespace/id/file" is stored at root/account/namespace/id/file.
type FSObjectStore struct {
	root string
}

// NewFS creates the root directory if needed and returns a store rooted there.
func NewFS(root string) (*FSObjectStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve absolute path for %q: %w", root, err)
	}

	err = os.MkdirAll(absRoot, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", absRoot, err)
	}

	return &FSObjectStore{root: absRoot}, nil
}

// Download reads the file stored under key.
func (s *FSObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: object '%s'", core.ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to read object '%s': %w", key, err)
	}

	return data, nil
}

// Upload writes data under key, creating parent directories. The file is
// written to a temporary sibling and renamed so readers never see a torn part.
func (s *FSObjectStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", key, err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for '%s': %w", key, err)
	}

	tempName := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tempName, filePermissions)
	}

	if writeErr == nil {
		writeErr = os.Rename(tempName, path)
	}

	if writeErr != nil {
		_ = os.Remove(tempName)

		return fmt.Errorf("failed to write object '%s': %w", key, writeErr)
	}

	return nil
}

// Delete removes the file stored under key and prunes directories left empty
// between it and the store root.
func (s *FSObjectStore) Delete(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: object '%s'", core.ErrNotFound, key)
		}

		return fmt.Errorf("failed to delete object '%s': %w", key, err)
	}

	s.pruneEmptyParents(filepath.Dir(path))

	return nil
}

// List returns the keys of every file under prefix.
func (s *FSObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	dir := strings.TrimSuffix(prefix, "/")

	start, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}

	var keys []string

	walkErr := filepath.WalkDir(start, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}

			return err
		}

		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".upload-") {
			return nil
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to list prefix '%s': %w", prefix, walkErr)
	}

	return keys, nil
}

func (s *FSObjectStore) resolve(key string) (string, error) {
	if key == "" {
		return s.root, nil
	}

	path := filepath.Join(s.root, filepath.FromSlash(key))
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrKeyOutsideRoot, key)
	}

	return path, nil
}

func (s *FSObjectStore) pruneEmptyParents(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		// os.Remove refuses non-empty directories, which ends the walk.
		if os.Remove(dir) != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}
