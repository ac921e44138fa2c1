package sandbox

import (
	"context"
	"path/filepath"

	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/sirupsen/logrus"
)

// TypeInfo describes a qualifying class found in a module
type TypeInfo struct {
	FullName     string     `json:"full_name"`
	Export       string     `json:"export"`
	Module       string     `json:"module"`
	Constructors [][]string `json:"constructors"`
}

// Report is the result of inspecting one module file
type Report struct {
	Path    string     `json:"path"`
	Module  string     `json:"module"`
	Version string     `json:"version"`
	Types   []TypeInfo `json:"types,omitempty"`
}

// Qualified reports whether the module exports at least one implementation
func (r *Report) Qualified() bool {
	return r != nil && len(r.Types) > 0
}

// Inspector loads a single module file in isolation and reports the
// classes implementing c
type Inspector interface {
	Inspect(ctx context.Context, path string, c *capability.Descriptor) (*Report, error)
}

// StateInspector inspects each file in its own Lua state, closed afterwards
type StateInspector struct {
	HostDir string
	Logger  *logrus.Logger
}

// Inspect implements Inspector
func (i *StateInspector) Inspect(ctx context.Context, path string, c *capability.Descriptor) (*Report, error) {
	mf, err := readModuleHeader(path)
	if err != nil {
		return nil, &ModuleError{Path: path, Err: err}
	}

	st := newLuaState(filepath.Dir(path), i.HostDir, i.Logger)
	defer st.close()

	exports, err := st.loadModule(ctx, mf)
	if err != nil {
		return nil, err
	}

	report := &Report{Path: path, Module: mf.Identity, Version: mf.Version}
	for _, ec := range st.sdk.qualifyingExports(exports, c) {
		info := TypeInfo{
			FullName: ec.def.fullName,
			Export:   ec.export,
			Module:   ec.def.module,
		}
		for _, ctor := range ec.ctors {
			info.Constructors = append(info.Constructors, append([]string{}, ctor.params...))
		}
		report.Types = append(report.Types, info)
	}
	return report, nil
}
