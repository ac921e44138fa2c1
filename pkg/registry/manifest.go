package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the optional manifest at the root of a package
const ManifestFileName = "impromptu.yaml"

// Manifest describes a package. It is optional; when present it must agree
// with the package it ships in.
type Manifest struct {
	ID           string   `yaml:"id"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description,omitempty"`
	Authors      []string `yaml:"authors,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// ManifestError lists every problem found in a manifest
type ManifestError struct {
	Field   string
	Message string
}

func (e ManifestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadManifest loads and parses a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &manifest, nil
}

// LoadManifestFromDir loads impromptu.yaml from dir. A missing manifest
// returns (nil, nil).
func LoadManifestFromDir(dir string) (*Manifest, error) {
	m, err := LoadManifest(filepath.Join(dir, ManifestFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return m, err
}

// SaveManifest writes a manifest file
func SaveManifest(manifest *Manifest, path string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// Validate reports structural problems with the manifest
func (m *Manifest) Validate() []ManifestError {
	var problems []ManifestError

	if m.ID == "" {
		problems = append(problems, ManifestError{Field: "id", Message: "package id is required"})
	} else if !pluginkey.IsValidIdentifier(m.ID) {
		problems = append(problems, ManifestError{Field: "id", Message: fmt.Sprintf("invalid package id: %s", m.ID)})
	}

	if m.Version == "" {
		problems = append(problems, ManifestError{Field: "version", Message: "version is required"})
	} else if _, err := pluginkey.ParseVersion(m.Version); err != nil {
		problems = append(problems, ManifestError{Field: "version", Message: fmt.Sprintf("invalid version: %s", m.Version)})
	}

	for _, c := range m.Capabilities {
		if !pluginkey.IsValidIdentifier(c) {
			problems = append(problems, ManifestError{Field: "capabilities", Message: fmt.Sprintf("invalid capability name: %s", c)})
		}
	}

	return problems
}

// verifyManifest checks the extracted manifest, if any, against pkg
func verifyManifest(dir string, pkg *Package) error {
	m, err := LoadManifestFromDir(dir)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}

	if problems := m.Validate(); len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.Error()
		}
		return fmt.Errorf("%w: %s", ErrManifestMismatch, strings.Join(msgs, "; "))
	}

	if m.ID != pkg.ID {
		return fmt.Errorf("%w: manifest id %q, package %q", ErrManifestMismatch, m.ID, pkg.ID)
	}
	v, _ := pluginkey.ParseVersion(m.Version)
	if v.Compare(pkg.Version) != 0 {
		return fmt.Errorf("%w: manifest version %s, package %s", ErrManifestMismatch, v, pkg.Version)
	}
	return nil
}
