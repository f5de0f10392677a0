package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileWriter replaces files atomically: the payload goes to a temp file in
// the target directory, is synced, and is renamed over the canonical path.
// Readers see either the previous complete file or the new one.
type FileWriter struct {
	// Perm is applied to the new file. Defaults to 0644.
	Perm os.FileMode

	// rename is swapped in tests to simulate a crash before the rename.
	rename func(oldpath, newpath string) error
}

// NewFileWriter returns a writer using os.Rename.
func NewFileWriter() *FileWriter {
	return &FileWriter{Perm: 0o644, rename: os.Rename}
}

// WriteJSON marshals v with indentation and writes it atomically.
func (w *FileWriter) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return w.Write(path, data)
}

// Write stores data at path atomically.
func (w *FileWriter) Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Cleanup is a no-op once the rename succeeded.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	perm := w.Perm
	if perm == 0 {
		perm = 0o644
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	rename := w.rename
	if rename == nil {
		rename = os.Rename
	}
	if err := rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	// Persist the directory entry. Some filesystems (tmpfs) refuse; ignore.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
