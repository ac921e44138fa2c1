package registry

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePackageDir creates a small package payload and returns its directory
func writePackageDir(t *testing.T, id, version string) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "impromptu"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "impromptu", "plugin.lua"),
		[]byte("--! module: "+id+" "+version+"\nreturn {}\n"),
		0644,
	))
	require.NoError(t, SaveManifest(&Manifest{ID: id, Version: version}, filepath.Join(dir, ManifestFileName)))
	return dir
}

func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		name        string
		wantID      string
		wantVersion string
		wantFormat  ArchiveFormat
		wantErr     bool
	}{
		{name: "Calculator.Extension.Additor.1.0.0.zip", wantID: "Calculator.Extension.Additor", wantVersion: "1.0.0", wantFormat: FormatZip},
		{name: "Pkg.2.1.tar.gz", wantID: "Pkg", wantVersion: "2.1.0", wantFormat: FormatTarGz},
		{name: "Pkg.1.0.0-beta.2.tgz", wantID: "Pkg", wantVersion: "1.0.0-beta.2", wantFormat: FormatTarGz},
		{name: "Pkg.1.0.0.4.ZIP", wantID: "Pkg", wantVersion: "1.0.0.4", wantFormat: FormatZip},
		{name: "Pkg.zip", wantErr: true},
		{name: "1.0.0.zip", wantErr: true},
		{name: "Pkg.1.0.0.txt", wantErr: true},
		{name: "Pkg.1.x.zip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, version, format, err := ParseArchiveName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantVersion, version.Normalized())
			assert.Equal(t, tt.wantFormat, format)
		})
	}
}

func TestPackAndExtract(t *testing.T) {
	for _, format := range []ArchiveFormat{FormatZip, FormatTarGz} {
		t.Run(string(format), func(t *testing.T) {
			src := writePackageDir(t, "Pkg", "1.0.0")
			archive := filepath.Join(t.TempDir(), "Pkg.1.0.0"+format.Extension())
			require.NoError(t, PackFile(src, archive, format))

			dest := t.TempDir()
			require.NoError(t, ExtractFile(archive, format, dest))

			data, err := os.ReadFile(filepath.Join(dest, "impromptu", "plugin.lua"))
			require.NoError(t, err)
			assert.Contains(t, string(data), "--! module: Pkg 1.0.0")

			m, err := LoadManifestFromDir(dest)
			require.NoError(t, err)
			assert.Equal(t, "Pkg", m.ID)
		})
	}
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.lua")
	require.NoError(t, err)
	w.Write([]byte("return {}"))
	require.NoError(t, zw.Close())

	archive := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0644))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dest, 0755))

	err = ExtractFile(archive, FormatZip, dest)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "evil.lua"))
}

func TestPack_UnsupportedFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Pack(t.TempDir(), &buf, ArchiveFormat("rar"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestVerifyManifest(t *testing.T) {
	pkg := &Package{ID: "Pkg", Version: pluginkey.MustParseVersion("1.0")}

	t.Run("matching", func(t *testing.T) {
		assert.NoError(t, verifyManifest(writePackageDir(t, "Pkg", "1.0.0"), pkg))
	})

	t.Run("missing is accepted", func(t *testing.T) {
		assert.NoError(t, verifyManifest(t.TempDir(), pkg))
	})

	t.Run("wrong id", func(t *testing.T) {
		assert.ErrorIs(t, verifyManifest(writePackageDir(t, "Other", "1.0.0"), pkg), ErrManifestMismatch)
	})

	t.Run("wrong version", func(t *testing.T) {
		assert.ErrorIs(t, verifyManifest(writePackageDir(t, "Pkg", "1.0.1"), pkg), ErrManifestMismatch)
	})
}

func TestManifest_Validate(t *testing.T) {
	problems := (&Manifest{ID: "1bad", Version: "x", Capabilities: []string{"Ok.Name", "9"}}).Validate()
	fields := make([]string, len(problems))
	for i, p := range problems {
		fields[i] = p.Field
	}
	assert.Equal(t, []string{"id", "version", "capabilities"}, fields)

	assert.Empty(t, (&Manifest{ID: "Pkg", Version: "1.0"}).Validate())
	assert.Len(t, (&Manifest{}).Validate(), 2)
}

func TestLoadManifest_Errors(t *testing.T) {
	_, err := LoadManifest("/nonexistent/impromptu.yaml")
	assert.ErrorContains(t, err, "failed to read manifest")

	path := filepath.Join(t.TempDir(), ManifestFileName)
	require.NoError(t, os.WriteFile(path, []byte("id: ["), 0644))
	_, err = LoadManifest(path)
	assert.ErrorContains(t, err, "failed to parse manifest")
}
