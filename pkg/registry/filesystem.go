package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/sirupsen/logrus"
)

// FileSystemSource serves packages from a flat feed directory holding
// archives named {id}.{version}.zip or {id}.{version}.tar.gz
type FileSystemSource struct {
	dir    string
	logger *logrus.Logger
}

// NewFileSystemSource creates a feed source rooted at dir
func NewFileSystemSource(dir string, logger *logrus.Logger) *FileSystemSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &FileSystemSource{dir: dir, logger: logger}
}

// Name returns "file:" plus the feed directory
func (s *FileSystemSource) Name() string {
	return "file:" + s.dir
}

// Dir returns the feed directory
func (s *FileSystemSource) Dir() string {
	return s.dir
}

// List returns every package archive in the feed, grouped by id
func (s *FileSystemSource) List(ctx context.Context) (map[string][]*Package, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]*Package{}, nil
		}
		return nil, fmt.Errorf("failed to read feed directory: %w", err)
	}

	index := make(map[string][]*Package)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}

		id, version, format, err := ParseArchiveName(entry.Name())
		if err != nil {
			s.logger.WithField("file", entry.Name()).Debugf("Skipping feed entry: %v", err)
			continue
		}

		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}

		index[id] = append(index[id], &Package{
			ID:       id,
			Version:  version,
			Format:   format,
			Location: filepath.Join(s.dir, entry.Name()),
			Size:     size,
			Source:   s.Name(),
		})
	}

	for _, pkgs := range index {
		sort.Slice(pkgs, func(i, j int) bool {
			return pkgs[i].Version.Compare(pkgs[j].Version) < 0
		})
	}
	return index, nil
}

func (s *FileSystemSource) packages(ctx context.Context, id string) ([]*Package, error) {
	index, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return index[id], nil
}

// Versions lists the published versions of id in ascending order
func (s *FileSystemSource) Versions(ctx context.Context, id string) ([]pluginkey.Version, error) {
	pkgs, err := s.packages(ctx, id)
	if err != nil {
		return nil, err
	}
	versions := make([]pluginkey.Version, len(pkgs))
	for i, p := range pkgs {
		versions[i] = p.Version
	}
	return versions, nil
}

// Find returns the archive for id at version
func (s *FileSystemSource) Find(ctx context.Context, id string, version pluginkey.Version) (*Package, error) {
	pkgs, err := s.packages(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, p := range pkgs {
		if p.Version.Compare(version) == 0 {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s in %s", ErrNotFound, id, version, s.Name())
}

// FindLatest returns the latest archive for id
func (s *FileSystemSource) FindLatest(ctx context.Context, id string) (*Package, error) {
	pkgs, err := s.packages(ctx, id)
	if err != nil {
		return nil, err
	}
	if p, ok := latestOf(pkgs); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, s.Name())
}

// Extract unpacks the archive into dest and verifies its manifest
func (s *FileSystemSource) Extract(ctx context.Context, pkg *Package, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	location := pkg.Location
	if location == "" {
		location = filepath.Join(s.dir, pkg.ArchiveName())
	}

	s.logger.WithFields(logrus.Fields{
		"package": pkg.String(),
		"archive": location,
	}).Debug("Extracting package")

	if err := ExtractFile(location, pkg.Format, dest); err != nil {
		return fmt.Errorf("failed to extract %s: %w", pkg, err)
	}
	return verifyManifest(dest, pkg)
}

// Publish packs dir into the feed as pkgID at version
func (s *FileSystemSource) Publish(dir, pkgID string, version pluginkey.Version, format ArchiveFormat) (*Package, error) {
	if !pluginkey.IsValidIdentifier(pkgID) {
		return nil, fmt.Errorf("invalid package id %q", pkgID)
	}
	pkg := &Package{ID: pkgID, Version: version, Format: format, Source: s.Name()}
	pkg.Location = filepath.Join(s.dir, pkg.ArchiveName())

	partial := pkg.Location + ".partial"
	if err := PackFile(dir, partial, format); err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", pkg, err)
	}
	if err := os.Rename(partial, pkg.Location); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("failed to publish %s: %w", pkg, err)
	}
	return pkg, nil
}
