package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// runtime is the long-lived Lua state holding a package's qualifying
// modules. Calls are serialized.
type runtime struct {
	mu     sync.Mutex
	st     *luaState
	closed bool
}

func newRuntime(dir, hostDir string, logger *logrus.Logger) *runtime {
	return &runtime{st: newLuaState(dir, hostDir, logger)}
}

func (rt *runtime) do(ctx context.Context, body func(L *lua.LState) error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return ErrRuntimeClosed
	}
	return rt.st.protect(ctx, body)
}

func (rt *runtime) close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if !rt.closed {
		rt.st.close()
		rt.closed = true
	}
}

// load runs mf in the runtime and returns its qualifying classes
func (rt *runtime) load(ctx context.Context, mf moduleFile, c *capability.Descriptor) ([]exportedClass, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return nil, ErrRuntimeClosed
	}
	exports, err := rt.st.loadModule(ctx, mf)
	if err != nil {
		return nil, err
	}
	return rt.st.sdk.qualifyingExports(exports, c), nil
}

// Package is a discovered package: its runtime and the types in it that
// implement one capability
type Package struct {
	Dir        string
	Capability *capability.Descriptor
	Types      []*Type

	rt *runtime
}

// Type returns the discovered type with the given full name
func (p *Package) Type(fullName string) (*Type, bool) {
	for _, t := range p.Types {
		if t.FullName == fullName {
			return t, true
		}
	}
	return nil, false
}

// Close releases the package runtime. Objects created from it stop working.
func (p *Package) Close() error {
	if p.rt != nil {
		p.rt.close()
	}
	return nil
}

func (p *Package) addTypes(classes []exportedClass) (added int) {
	for _, ec := range classes {
		if _, dup := p.Type(ec.def.fullName); dup {
			continue
		}
		t := &Type{
			FullName: ec.def.fullName,
			Module:   ec.def.module,
			Export:   ec.export,
			def:      ec.def,
			rt:       p.rt,
		}
		for _, ctor := range ec.ctors {
			t.Constructors = append(t.Constructors, &Constructor{
				Params:    append([]string{}, ctor.params...),
				Signature: ctor.signature(),
				typ:       t,
				fn:        ctor.fn,
			})
		}
		p.Types = append(p.Types, t)
		added++
	}
	sort.Slice(p.Types, func(i, j int) bool { return p.Types[i].FullName < p.Types[j].FullName })
	return added
}

// Type is a concrete class implementing the package's capability
type Type struct {
	FullName     string
	Module       string
	Export       string
	Constructors []*Constructor

	def *classDef
	rt  *runtime
}

// Constructor is one public constructor of a Type
type Constructor struct {
	Params    []string
	Signature string

	typ *Type
	fn  *lua.LFunction
}

// Type returns the type the constructor builds
func (c *Constructor) Type() *Type {
	return c.typ
}

// New runs the constructor with args and returns the new object
func (c *Constructor) New(ctx context.Context, args ...interface{}) (*Object, error) {
	if len(args) != len(c.Params) {
		return nil, fmt.Errorf("%s(%s): got %d arguments", c.typ.FullName, c.Signature, len(args))
	}

	var self *lua.LTable
	err := c.typ.rt.do(ctx, func(L *lua.LState) error {
		values := make([]lua.LValue, len(args))
		for i, arg := range args {
			v, err := toLua(L, arg)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
			values[i] = v
		}

		obj := L.NewTable()
		L.SetMetatable(obj, c.typ.def.instanceMeta)

		L.Push(c.fn)
		L.Push(obj)
		for _, v := range values {
			L.Push(v)
		}
		L.Call(1+len(values), 0)

		self = obj
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s: %w", c.typ.FullName, err)
	}

	return &Object{typ: c.typ, self: self}, nil
}

// Object is a plugin instance living in a package runtime. It implements
// capability.Invoker.
type Object struct {
	typ  *Type
	self *lua.LTable
}

// Type returns the object's type
func (o *Object) Type() *Type {
	return o.typ
}

// Call invokes method on the object and converts its results to Go values
func (o *Object) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var results []interface{}

	err := o.typ.rt.do(ctx, func(L *lua.LState) error {
		fn, ok := o.self.RawGetString(method).(*lua.LFunction)
		if !ok {
			fn, ok = o.typ.def.table.RawGetString(method).(*lua.LFunction)
		}
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrNoMethod, o.typ.FullName, method)
		}

		values := make([]lua.LValue, len(args))
		for i, arg := range args {
			v, err := toLua(L, arg)
			if err != nil {
				return fmt.Errorf("argument %d: %w", i+1, err)
			}
			values[i] = v
		}

		top := L.GetTop()
		L.Push(fn)
		L.Push(o.self)
		for _, v := range values {
			L.Push(v)
		}
		L.Call(1+len(values), lua.MultRet)

		n := L.GetTop() - top
		results = make([]interface{}, n)
		for i := 0; i < n; i++ {
			results[i] = toGo(L.Get(top + i + 1))
		}
		L.Pop(n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

var _ capability.Invoker = (*Object)(nil)
