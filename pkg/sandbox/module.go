package sandbox

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
)

// ModuleExt is the extension of candidate module files
const ModuleExt = ".lua"

var headerPattern = regexp.MustCompile(`^--!\s*module:\s*(\S+)(?:\s+(\S+))?\s*$`)

// moduleFile is a module on disk with its declared identity
type moduleFile struct {
	Path     string
	Identity string
	Version  string
}

// readModuleHeader returns the identity declared by the leading
// "--! module: <Identity> [<version>]" comment. Files without one are
// identified by their base name at version 0.0.0.
func readModuleHeader(path string) (moduleFile, error) {
	mf := moduleFile{
		Path:     path,
		Identity: strings.TrimSuffix(filepath.Base(path), ModuleExt),
		Version:  "0.0.0",
	}

	f, err := os.Open(path)
	if err != nil {
		return mf, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "--") {
			break
		}
		m := headerPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		mf.Identity = m[1]
		if m[2] != "" {
			if v, err := pluginkey.ParseVersion(m[2]); err == nil {
				mf.Version = v.Normalized()
			}
		}
		break
	}
	return mf, scanner.Err()
}

// listModules returns the module files directly inside dir, sorted by path.
// A missing directory has no modules.
func listModules(dir string) ([]moduleFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []moduleFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ModuleExt) {
			continue
		}
		mf, err := readModuleHeader(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		files = append(files, mf)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
