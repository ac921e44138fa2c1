package registry

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveFormat is the container format of a package archive
type ArchiveFormat string

const (
	FormatZip   ArchiveFormat = "zip"
	FormatTarGz ArchiveFormat = "tar.gz"
)

// Extension returns the file extension including the leading dot
func (f ArchiveFormat) Extension() string {
	return "." + string(f)
}

// ExtractFile extracts the archive at path into destDir
func ExtractFile(archivePath string, format ArchiveFormat, destDir string) error {
	switch format {
	case FormatZip:
		return extractZip(archivePath, destDir)
	case FormatTarGz:
		f, err := os.Open(archivePath)
		if err != nil {
			return err
		}
		defer f.Close()
		return extractTarGz(f, destDir)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// extractStream spools r to a temporary file and extracts it. Zip needs
// random access, so remote bodies always go through disk.
func extractStream(ctx context.Context, r io.Reader, format ArchiveFormat, destDir string) error {
	if format == FormatTarGz {
		return extractTarGz(contextReader{ctx: ctx, r: r}, destDir)
	}

	tempFile, err := os.CreateTemp("", "impromptu-package-*"+format.Extension())
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tempFile.Name())
	defer tempFile.Close()

	if _, err := io.Copy(tempFile, contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("failed to save package: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to save package: %w", err)
	}

	return ExtractFile(tempFile.Name(), format, destDir)
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(r io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tarReader); err != nil {
				return err
			}
		default:
			// links and devices are not part of a package payload
		}
	}
}

func writeFile(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(destDir, cleaned), nil
}

// Pack writes the contents of dir as a package archive to w
func Pack(dir string, w io.Writer, format ArchiveFormat) error {
	switch format {
	case FormatZip:
		zw := zip.NewWriter(w)
		err := walkFiles(dir, func(rel string, path string) error {
			fw, err := zw.Create(rel)
			if err != nil {
				return err
			}
			return copyFile(fw, path)
		})
		if err != nil {
			zw.Close()
			return err
		}
		return zw.Close()

	case FormatTarGz:
		gw := gzip.NewWriter(w)
		tw := tar.NewWriter(gw)
		err := walkFiles(dir, func(rel string, path string) error {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			header := &tar.Header{
				Name:    rel,
				Mode:    0644,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			return copyFile(tw, path)
		})
		if err != nil {
			tw.Close()
			gw.Close()
			return err
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return gw.Close()

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// PackFile packs dir into path, creating parent directories as needed
func PackFile(dir, path string, format ArchiveFormat) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Pack(dir, f, format); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func walkFiles(dir string, fn func(rel, path string) error) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), path)
	})
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
