package sandbox

import (
	"path/filepath"

	"github.com/platinummonkey/impromptu/pkg/capability"
	lua "github.com/yuin/gopher-lua"
)

// safeModules are built-in libraries require hands back as-is
var safeModules = map[string]bool{
	"string":    true,
	"table":     true,
	"math":      true,
	"coroutine": true,
}

type moduleKey struct {
	identity string
	path     string
}

// resolver is the require function of one luaState.
//
// Capability modules always resolve to tables built from the host's
// descriptors, so a package shipping its own copy of one never gets it
// loaded. Every other name is searched only in the directory of the
// requesting module, or in the host directory for requests made outside any
// module, and only when that directory is the one under inspection or the
// host directory.
type resolver struct {
	st      *luaState
	dir     string
	hostDir string

	scanned   map[string][]moduleFile
	loaded    map[moduleKey]lua.LValue
	loading   map[string]bool
	stack     []moduleFile
	capTables map[string]*lua.LTable
}

func newResolver(st *luaState, dir, hostDir string) *resolver {
	return &resolver{
		st:        st,
		dir:       dir,
		hostDir:   hostDir,
		scanned:   map[string][]moduleFile{},
		loaded:    map[moduleKey]lua.LValue{},
		loading:   map[string]bool{},
		capTables: map[string]*lua.LTable{},
	}
}

// currentModule returns the identity of the executing module
func (r *resolver) currentModule() string {
	if len(r.stack) == 0 {
		return ""
	}
	return r.stack[len(r.stack)-1].Identity
}

func (r *resolver) requesterDir() string {
	if len(r.stack) == 0 {
		return r.hostDir
	}
	return filepath.Dir(r.stack[len(r.stack)-1].Path)
}

func (r *resolver) honored(dir string) bool {
	return dir != "" && (dir == r.dir || dir == r.hostDir)
}

func (r *resolver) require(L *lua.LState) int {
	L.Push(r.resolve(L.CheckString(1)))
	return 1
}

func (r *resolver) resolve(name string) lua.LValue {
	L := r.st.L

	switch {
	case name == SDKModule:
		return r.st.sdk.table
	case capability.IsModule(name):
		return r.capabilityModule(name)
	case safeModules[name]:
		return L.GetGlobal(name)
	}

	dir := r.requesterDir()
	if !r.honored(dir) {
		L.RaiseError("%s: %q (request from outside the package)", ErrModuleNotFound, name)
	}

	mf, ok := r.find(dir, name)
	if !ok {
		L.RaiseError("%s: %q in %s", ErrModuleNotFound, name, dir)
	}
	return r.execute(mf)
}

// find returns the module in dir declaring identity name
func (r *resolver) find(dir, name string) (moduleFile, bool) {
	files, ok := r.scanned[dir]
	if !ok {
		var err error
		files, err = listModules(dir)
		if err != nil {
			r.st.logger.WithError(err).WithField("dir", dir).Warn("Failed to scan module directory")
		}
		r.scanned[dir] = files
	}

	for _, mf := range files {
		if mf.Identity == name {
			return mf, true
		}
	}
	return moduleFile{}, false
}

// execute runs mf once per identity and location and returns its exports.
// It must run inside a protected call: failures raise Lua errors.
func (r *resolver) execute(mf moduleFile) lua.LValue {
	L := r.st.L
	key := moduleKey{identity: mf.Identity, path: mf.Path}

	if v, ok := r.loaded[key]; ok {
		return v
	}
	if r.loading[mf.Path] {
		L.RaiseError("circular require of %s", mf.Identity)
	}

	fn, err := L.LoadFile(mf.Path)
	if err != nil {
		L.RaiseError("%s", err.Error())
	}

	r.loading[mf.Path] = true
	r.stack = append(r.stack, mf)
	defer func() {
		delete(r.loading, mf.Path)
		r.stack = r.stack[:len(r.stack)-1]
	}()

	L.Push(fn)
	L.Call(0, 1)
	exports := L.Get(-1)
	L.Pop(1)

	if exports == lua.LNil {
		exports = lua.LTrue
	}
	r.loaded[key] = exports
	return exports
}

// capabilityModule builds the host-backed table for a capability module
func (r *resolver) capabilityModule(name string) *lua.LTable {
	if t, ok := r.capTables[name]; ok {
		return t
	}

	L := r.st.L
	t := L.NewTable()
	for _, d := range capability.Module(name) {
		t.RawSetString(d.Name, r.st.sdk.descriptorValue(L, d))
	}
	r.capTables[name] = t
	return t
}
