package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manifest lists the files that make up a model bundle.
type Manifest struct {
	Name  string      `json:"name"`
	Files []ModelFile `json:"files"`
}

// ModelFile is one downloadable file. An empty SHA256 is pinned from the
// first successful download and recorded in the lock file.
type ModelFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
}

// LoadManifest reads a bundle manifest from JSON.
func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %q: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %q: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("manifest %q: %w", path, err)
	}

	return m, nil
}

// Validate rejects manifests with missing fields, malformed checksums or
// file names that escape the output directory.
func (m Manifest) Validate() error {
	if len(m.Files) == 0 {
		return errors.New("manifest lists no files")
	}

	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		if f.Filename == "" || f.URL == "" {
			return fmt.Errorf("file %d: filename and url are required", i)
		}

		clean := filepath.Clean(filepath.FromSlash(f.Filename))
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("file %q escapes the output directory", f.Filename)
		}

		if f.SHA256 != "" && !isSHA256Hex(f.SHA256) {
			return fmt.Errorf("file %q: sha256 %q is not 64 hex characters", f.Filename, f.SHA256)
		}

		if seen[clean] {
			return fmt.Errorf("file %q listed twice", f.Filename)
		}
		seen[clean] = true
	}

	return nil
}
