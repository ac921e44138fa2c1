package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFeed publishes the given versions of id into a fresh feed
func newFeed(t *testing.T, id string, versions ...string) *FileSystemSource {
	t.Helper()
	feed := NewFileSystemSource(t.TempDir(), nil)
	for _, v := range versions {
		publish(t, feed, id, v, FormatZip)
	}
	return feed
}

func publish(t *testing.T, feed *FileSystemSource, id, version string, format ArchiveFormat) *Package {
	t.Helper()
	v := pluginkey.MustParseVersion(version)
	pkg, err := feed.Publish(writePackageDir(t, id, v.Normalized()), id, v, format)
	require.NoError(t, err)
	return pkg
}

func TestFileSystemSource_Find(t *testing.T) {
	ctx := context.Background()
	feed := newFeed(t, "Calculator.Extension.Additor", "1.0.0", "1.1.0")

	pkg, err := feed.Find(ctx, "Calculator.Extension.Additor", pluginkey.MustParseVersion("1.0"))
	require.NoError(t, err)
	assert.Equal(t, "Calculator.Extension.Additor.1.0.0", pkg.DirName())
	assert.Equal(t, FormatZip, pkg.Format)
	assert.FileExists(t, pkg.Location)

	_, err = feed.Find(ctx, "Calculator.Extension.Additor", pluginkey.MustParseVersion("2.0.0"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = feed.Find(ctx, "Unknown", pluginkey.MustParseVersion("1.0.0"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemSource_FindLatest(t *testing.T) {
	ctx := context.Background()

	t.Run("highest release", func(t *testing.T) {
		feed := newFeed(t, "Pkg", "1.0.0", "1.2.0", "2.0.0-beta")
		pkg, err := feed.FindLatest(ctx, "Pkg")
		require.NoError(t, err)
		assert.Equal(t, "1.2.0", pkg.Version.Normalized())
	})

	t.Run("prerelease only", func(t *testing.T) {
		feed := newFeed(t, "Pkg", "1.0.0-alpha", "1.0.0-beta")
		pkg, err := feed.FindLatest(ctx, "Pkg")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0-beta", pkg.Version.Normalized())
	})

	t.Run("unknown", func(t *testing.T) {
		feed := newFeed(t, "Pkg", "1.0.0")
		_, err := feed.FindLatest(ctx, "Other")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFileSystemSource_List(t *testing.T) {
	feed := newFeed(t, "Pkg", "1.1.0", "1.0.0")
	publish(t, feed, "Other.Pkg", "0.1", FormatTarGz)
	require.NoError(t, os.WriteFile(filepath.Join(feed.Dir(), "README.md"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(feed.Dir(), "Pkg.9.0.0.zip.partial"), []byte("x"), 0644))

	index, err := feed.List(context.Background())
	require.NoError(t, err)
	require.Len(t, index, 2)
	require.Len(t, index["Pkg"], 2)
	assert.Equal(t, "1.0.0", index["Pkg"][0].Version.Normalized())
	assert.Equal(t, "1.1.0", index["Pkg"][1].Version.Normalized())

	versions, err := feed.Versions(context.Background(), "Other.Pkg")
	require.NoError(t, err)
	assert.Equal(t, []pluginkey.Version{pluginkey.MustParseVersion("0.1")}, versions)
}

func TestFileSystemSource_MissingDir(t *testing.T) {
	feed := NewFileSystemSource(filepath.Join(t.TempDir(), "absent"), nil)
	_, err := feed.FindLatest(context.Background(), "Pkg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileSystemSource_Extract(t *testing.T) {
	ctx := context.Background()
	feed := newFeed(t, "Pkg", "1.0.0")
	publish(t, feed, "Pkg", "1.1.0", FormatTarGz)

	for _, version := range []string{"1.0.0", "1.1.0"} {
		t.Run(version, func(t *testing.T) {
			pkg, err := feed.Find(ctx, "Pkg", pluginkey.MustParseVersion(version))
			require.NoError(t, err)

			dest := t.TempDir()
			require.NoError(t, feed.Extract(ctx, pkg, dest))
			assert.FileExists(t, filepath.Join(dest, "impromptu", "plugin.lua"))
		})
	}
}

func TestFileSystemSource_ExtractCancelled(t *testing.T) {
	feed := newFeed(t, "Pkg", "1.0.0")
	pkg, err := feed.Find(context.Background(), "Pkg", pluginkey.MustParseVersion("1.0.0"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, feed.Extract(ctx, pkg, t.TempDir()), context.Canceled)
}
