package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultTokenFile is the snapshot file used when no path is configured.
const DefaultTokenFile = "spotify_tokens.json"

// FileBackend persists credential snapshots as a single JSON object on disk:
//
//	{"<user_id>": {"access_token": "...", "refresh_token": "..."}}
type FileBackend struct {
	path string
}

// NewFileBackend creates a FileBackend writing to path.
func NewFileBackend(path string) *FileBackend {
	if path == "" {
		path = DefaultTokenFile
	}
	return &FileBackend{path: path}
}

// Path returns the file path where credentials are stored.
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the snapshot from disk.
// Returns an empty map if the file does not exist.
func (b *FileBackend) Load(_ context.Context) (map[string]Credential, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	creds := make(map[string]Credential)
	if len(data) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}

	for id, c := range creds {
		c.UserID = id
		creds[id] = c
	}
	return creds, nil
}

// Save writes the full snapshot, creating the parent directory if needed.
// The file is written to a temporary sibling and renamed into place so a
// crash mid-write leaves the previous snapshot intact. An empty snapshot
// removes the file.
func (b *FileBackend) Save(_ context.Context, creds map[string]Credential) error {
	if creds == nil {
		return errors.New("cannot save nil snapshot")
	}
	if len(creds) == 0 {
		return b.Delete()
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing token file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting token file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing token file: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing token file: %w", err)
	}

	return nil
}

// Delete removes the snapshot file.
// Returns nil if the file does not exist.
func (b *FileBackend) Delete() error {
	err := os.Remove(b.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing token file: %w", err)
	}
	return nil
}
