package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
)

var (
	// ErrNotFound is returned when a source has no matching package or version
	ErrNotFound = errors.New("package not found")

	// ErrUnsupportedFormat is returned for archives that are neither zip nor tar.gz
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrUnsafePath is returned when an archive entry escapes the destination
	ErrUnsafePath = errors.New("archive entry escapes destination")

	// ErrManifestMismatch is returned when impromptu.yaml disagrees with the package
	ErrManifestMismatch = errors.New("manifest does not match package")
)

// Source is a package registry the retriever can resolve and extract from
type Source interface {
	// Name identifies the source in logs and metrics
	Name() string

	// Find returns the package at exactly version, or ErrNotFound
	Find(ctx context.Context, id string, version pluginkey.Version) (*Package, error)

	// FindLatest returns the highest release of id, falling back to the
	// highest prerelease when no release exists, or ErrNotFound
	FindLatest(ctx context.Context, id string) (*Package, error)

	// Extract writes the package contents into dest, which must exist
	Extract(ctx context.Context, pkg *Package, dest string) error
}

// Lister is implemented by sources that can enumerate versions of a package
type Lister interface {
	Versions(ctx context.Context, id string) ([]pluginkey.Version, error)
}

// Package describes a resolved package in a source
type Package struct {
	ID       string            `json:"id"`
	Version  pluginkey.Version `json:"version"`
	Format   ArchiveFormat     `json:"format"`
	Location string            `json:"location,omitempty"`
	Size     int64             `json:"size,omitempty"`
	Source   string            `json:"source,omitempty"`
}

// DirName returns {id}.{normalizedVersion}
func (p *Package) DirName() string {
	return pluginkey.DirName(p.ID, p.Version.Normalized())
}

// ArchiveName returns the canonical archive file name for the package
func (p *Package) ArchiveName() string {
	return p.DirName() + p.Format.Extension()
}

func (p *Package) String() string {
	return p.DirName()
}

// ParseArchiveName splits "{id}.{version}{.zip|.tar.gz|.tgz}" into its parts.
// Identifier segments never start with a digit, so the version begins at the
// first segment that does.
func ParseArchiveName(name string) (id string, version pluginkey.Version, format ArchiveFormat, err error) {
	format, base, ok := detectFormat(name)
	if !ok {
		return "", pluginkey.Version{}, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}

	split := -1
	for i := 0; i < len(base)-1; i++ {
		if base[i] == '.' && base[i+1] >= '0' && base[i+1] <= '9' {
			split = i
			break
		}
	}
	if split <= 0 {
		return "", pluginkey.Version{}, "", fmt.Errorf("archive name %q has no version", name)
	}

	id = base[:split]
	if !pluginkey.IsValidIdentifier(id) {
		return "", pluginkey.Version{}, "", fmt.Errorf("archive name %q has invalid package id", name)
	}

	version, err = pluginkey.ParseVersion(base[split+1:])
	if err != nil {
		return "", pluginkey.Version{}, "", fmt.Errorf("archive name %q: %w", name, err)
	}

	return id, version, format, nil
}

func detectFormat(name string) (ArchiveFormat, string, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, name[:len(name)-len(".zip")], true
	case strings.HasSuffix(lower, ".tar.gz"):
		return FormatTarGz, name[:len(name)-len(".tar.gz")], true
	case strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, name[:len(name)-len(".tgz")], true
	}
	return "", "", false
}

// latestOf picks the latest package following pluginkey.Latest
func latestOf(pkgs []*Package) (*Package, bool) {
	if len(pkgs) == 0 {
		return nil, false
	}
	versions := make([]pluginkey.Version, len(pkgs))
	for i, p := range pkgs {
		versions[i] = p.Version
	}
	latest, ok := pluginkey.Latest(versions)
	if !ok {
		return nil, false
	}
	for _, p := range pkgs {
		if p.Version.Compare(latest) == 0 {
			return p, true
		}
	}
	return nil, false
}
