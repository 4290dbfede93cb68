// Package atomicfile writes JSON documents so readers never observe a partial file.
package atomicfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// rename is swapped in tests to simulate a crash between write and rename.
var rename = os.Rename

// WriteJSON serializes value with two-space indentation into a temporary file
// next to path and renames it over path. On failure the temporary file is
// removed and path is left untouched.
func WriteJSON(path string, value any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return Write(path, buf.Bytes())
}

// Write stores data at path using a temp file and rename.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmpPath := filepath.Join(dir, tempName(filepath.Base(path)))
	if err := writeSynced(tmpPath, data); err != nil {
		removeQuietly(tmpPath)
		return err
	}
	if err := rename(tmpPath, path); err != nil {
		removeQuietly(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadJSON decodes the JSON document at path into v.
func ReadJSON(path string, v any) error {
	// #nosec G304 -- callers build paths from sanitized identifiers.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func tempName(base string) string {
	return fmt.Sprintf(".%s.%d.%d.%s.tmp", base, os.Getpid(), time.Now().UnixMilli(), uuid.NewString())
}

func writeSynced(path string, data []byte) error {
	// #nosec G304 -- path is derived from the destination directory.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
