package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// luaState is a disposable gopher-lua state with safe libraries only, the
// impromptu SDK and a resolver scoped to one package directory.
// It is not goroutine-safe.
type luaState struct {
	L        *lua.LState
	sdk      *sdk
	resolver *resolver
	logger   *logrus.Logger
}

func newLuaState(dir, hostDir string, logger *logrus.Logger) *luaState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	s := &luaState{
		L:      L,
		logger: observability.OrDefault(logger),
	}
	s.resolver = newResolver(s, cleanDir(dir), cleanDir(hostDir))
	s.sdk = newSDK(L, s.resolver.currentModule)

	L.SetGlobal("require", L.NewFunction(s.resolver.require))
	L.SetGlobal("print", L.NewFunction(s.print))

	return s
}

func cleanDir(dir string) string {
	if dir == "" {
		return ""
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

// openSafeLibraries opens the base, table, string, math and coroutine
// libraries and removes every way of loading code around the resolver
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenCoroutine(L)

	// io, os, debug and package are never opened
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// print sends module output to the debug log
func (s *luaState) print(L *lua.LState) int {
	top := L.GetTop()
	args := make([]interface{}, 0, top)
	for i := 1; i <= top; i++ {
		args = append(args, L.ToStringMeta(L.Get(i)).String())
	}
	s.logger.WithField("module", s.resolver.currentModule()).Debug(args...)
	return 0
}

// protect runs body inside a protected Lua call bound to ctx. Lua errors,
// Go panics and errors returned by body all come back as the result.
func (s *luaState) protect(ctx context.Context, body func(L *lua.LState) error) (err error) {
	defer func() {
		if perr := observability.PanicError(recover()); perr != nil {
			err = perr
		}
	}()

	if ctx != nil && ctx.Done() != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}

	var bodyErr error
	fn := s.L.NewFunction(func(L *lua.LState) int {
		bodyErr = body(L)
		return 0
	})
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return scriptError(err)
	}
	return bodyErr
}

// loadModule executes a module file and returns its exports
func (s *luaState) loadModule(ctx context.Context, mf moduleFile) (lua.LValue, error) {
	var exports lua.LValue = lua.LNil
	err := s.protect(ctx, func(L *lua.LState) error {
		exports = s.resolver.execute(mf)
		return nil
	})
	if err != nil {
		return nil, &ModuleError{Path: mf.Path, Err: err}
	}
	return exports, nil
}

func (s *luaState) close() {
	s.L.Close()
}

// scriptError strips the Lua stack trace from err, keeping a context
// cancellation cause reachable through errors.Is
func scriptError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Cause != nil {
		return apiErr.Cause
	}
	if apiErr.Object != nil {
		return fmt.Errorf("lua: %s", apiErr.Object.String())
	}
	return err
}
