package sandbox

import (
	"sort"
	"strings"

	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	lua "github.com/yuin/gopher-lua"
)

// SDKModule is the module name plugins require to declare classes
const SDKModule = "impromptu"

// classDef is a class declared through impromptu.class
type classDef struct {
	fullName     string
	module       string
	capabilities []*capability.Descriptor
	ctors        []*ctorDef
	abstract     bool
	table        *lua.LTable
	instanceMeta *lua.LTable
}

type ctorDef struct {
	params []string
	fn     *lua.LFunction
	public bool
}

func (c *ctorDef) signature() string {
	return Signature(c.params)
}

func (c *ctorDef) bridgeable() bool {
	for _, p := range c.params {
		if !IsBridgeable(p) {
			return false
		}
	}
	return true
}

// Signature joins constructor parameter type names the way argument
// signatures are computed on the host side
func Signature(typeNames []string) string {
	return strings.Join(typeNames, ",")
}

// declares reports whether the class lists c itself among its capabilities
func (d *classDef) declares(c *capability.Descriptor) bool {
	for _, declared := range d.capabilities {
		if declared == c {
			return true
		}
	}
	return false
}

// qualify returns the class's public bridgeable constructors when it is a
// concrete implementation of c
func (d *classDef) qualify(c *capability.Descriptor) ([]*ctorDef, bool) {
	if d.abstract || !d.declares(c) {
		return nil, false
	}
	for _, method := range c.Methods {
		if _, ok := d.table.RawGetString(method).(*lua.LFunction); !ok {
			return nil, false
		}
	}

	var ctors []*ctorDef
	for _, ctor := range d.ctors {
		if ctor.public && ctor.bridgeable() {
			ctors = append(ctors, ctor)
		}
	}
	return ctors, len(ctors) > 0
}

// sdk is the per-state instance of the impromptu module
type sdk struct {
	table     *lua.LTable
	classMeta *lua.LTable
	descMeta  *lua.LTable
	classes   map[*lua.LTable]*classDef
	current   func() string
}

func newSDK(L *lua.LState, current func() string) *sdk {
	s := &sdk{
		classes: map[*lua.LTable]*classDef{},
		current: current,
	}

	s.table = L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"class":    s.class,
		"abstract": s.abstract,
	})

	classAPI := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"constructor":         s.constructor(true),
		"private_constructor": s.constructor(false),
	})
	s.classMeta = L.NewTable()
	s.classMeta.RawSetString("__index", classAPI)

	s.descMeta = L.NewTable()
	s.descMeta.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if d, ok := ud.Value.(*capability.Descriptor); ok {
			L.Push(lua.LString(d.FullName()))
			return 1
		}
		L.Push(lua.LString("capability"))
		return 1
	}))

	return s
}

// descriptorValue wraps a host descriptor for Lua
func (s *sdk) descriptorValue(L *lua.LState, d *capability.Descriptor) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = d
	L.SetMetatable(ud, s.descMeta)
	return ud
}

// class implements impromptu.class(fullName, capabilities...)
func (s *sdk) class(L *lua.LState) int {
	name := L.CheckString(1)
	if !pluginkey.IsValidIdentifier(name) {
		L.ArgError(1, "invalid class name "+name)
	}

	var caps []*capability.Descriptor
	for i := 2; i <= L.GetTop(); i++ {
		ud, ok := L.Get(i).(*lua.LUserData)
		if !ok {
			L.ArgError(i, "capability expected")
		}
		d, ok := ud.Value.(*capability.Descriptor)
		if !ok {
			L.ArgError(i, "capability expected")
		}
		caps = append(caps, d)
	}

	cls := L.NewTable()
	L.SetMetatable(cls, s.classMeta)

	instanceMeta := L.NewTable()
	instanceMeta.RawSetString("__index", cls)

	s.classes[cls] = &classDef{
		fullName:     name,
		module:       s.current(),
		capabilities: caps,
		table:        cls,
		instanceMeta: instanceMeta,
	}

	L.Push(cls)
	return 1
}

// abstract implements impromptu.abstract(Class)
func (s *sdk) abstract(L *lua.LState) int {
	cls := L.CheckTable(1)
	def, ok := s.classes[cls]
	if !ok {
		L.ArgError(1, "class expected")
	}
	def.abstract = true
	L.Push(cls)
	return 1
}

// constructor implements Class:constructor({types...}, fn) and its private form
func (s *sdk) constructor(public bool) lua.LGFunction {
	return func(L *lua.LState) int {
		cls := L.CheckTable(1)
		def, ok := s.classes[cls]
		if !ok {
			L.ArgError(1, "class expected")
		}
		paramTable := L.CheckTable(2)
		fn := L.CheckFunction(3)

		var params []string
		for i := 1; i <= paramTable.Len(); i++ {
			name, ok := paramTable.RawGetInt(i).(lua.LString)
			if !ok {
				L.ArgError(2, "parameter type names must be strings")
			}
			params = append(params, string(name))
		}

		ctor := &ctorDef{params: params, fn: fn, public: public}
		for _, existing := range def.ctors {
			if existing.signature() == ctor.signature() {
				L.RaiseError("%s: constructor (%s) declared twice", def.fullName, ctor.signature())
			}
		}
		def.ctors = append(def.ctors, ctor)

		L.Push(cls)
		return 1
	}
}

// exportedClass is a qualifying class found in a module's export table
type exportedClass struct {
	export string
	def    *classDef
	ctors  []*ctorDef
}

// qualifyingExports returns the classes exported by a module that
// implement c, ordered by export name
func (s *sdk) qualifyingExports(exports lua.LValue, c *capability.Descriptor) []exportedClass {
	tbl, ok := exports.(*lua.LTable)
	if !ok {
		return nil
	}

	// a module may return a single class instead of a table of exports
	if def, ok := s.classes[tbl]; ok {
		if ctors, ok := def.qualify(c); ok {
			return []exportedClass{{export: def.fullName, def: def, ctors: ctors}}
		}
		return nil
	}

	var found []exportedClass
	tbl.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			return
		}
		cls, ok := v.(*lua.LTable)
		if !ok {
			return
		}
		def, ok := s.classes[cls]
		if !ok {
			return
		}
		if ctors, ok := def.qualify(c); ok {
			found = append(found, exportedClass{export: string(name), def: def, ctors: ctors})
		}
	})

	sort.Slice(found, func(i, j int) bool { return found[i].export < found[j].export })
	return found
}
