// Package capability holds the process-wide registry of host capabilities.
//
// A capability is a Go interface that plugin types implement. Plugins are
// loaded as Lua modules, so a capability is also exposed to them as a Lua
// module (Descriptor.Module) whose table carries one marker per capability.
// The host registers each capability exactly once; every sandbox and runtime
// resolves the capability module to the same *Descriptor, so identity checks
// are pointer comparisons.
package capability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
)

var (
	// ErrAlreadyRegistered is returned when T or the module/name pair is taken
	ErrAlreadyRegistered = errors.New("capability already registered")
	// ErrNotRegistered is returned by Lookup when T has no descriptor
	ErrNotRegistered = errors.New("capability not registered")
	// ErrNotInterface is returned when T is not an interface type
	ErrNotInterface = errors.New("capability type must be an interface")
	// ErrNilBinder is returned when no binder is supplied
	ErrNilBinder = errors.New("binder must not be nil")
	// ErrNoResult is returned by Result when a method returned nothing
	ErrNoResult = errors.New("plugin method returned no value")
	// ErrResultType is returned when a returned value cannot become the wanted type
	ErrResultType = errors.New("unexpected result type")
)

// Invoker calls methods on a plugin object living in a package runtime
type Invoker interface {
	Call(ctx context.Context, method string, args ...any) ([]any, error)
}

// Descriptor is the process-wide identity of a capability
type Descriptor struct {
	Module  string
	Name    string
	Methods []string

	typ  reflect.Type
	bind func(Invoker) any
}

// FullName returns Module.Name
func (d *Descriptor) FullName() string {
	return d.Module + "." + d.Name
}

// Type returns the Go interface type the capability was registered for
func (d *Descriptor) Type() reflect.Type {
	return d.typ
}

// Bind adapts a plugin object to the capability interface
func (d *Descriptor) Bind(inv Invoker) any {
	return d.bind(inv)
}

func (d *Descriptor) String() string {
	return d.FullName()
}

var (
	mu       sync.RWMutex
	byType   = map[reflect.Type]*Descriptor{}
	byModule = map[string][]*Descriptor{}
)

// Register records T as a capability exposed to plugins as module.name.
// methods lists the Lua method names a plugin type must define; binder wraps a
// plugin object so it satisfies T.
func Register[T any](module, name string, methods []string, binder func(Invoker) T) (*Descriptor, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Interface {
		return nil, fmt.Errorf("%w: %s", ErrNotInterface, typ)
	}
	if binder == nil {
		return nil, ErrNilBinder
	}
	if !pluginkey.IsValidIdentifier(module) {
		return nil, fmt.Errorf("invalid capability module %q", module)
	}
	if !pluginkey.IsValidIdentifier(name) {
		return nil, fmt.Errorf("invalid capability name %q", name)
	}

	methodList := append([]string(nil), methods...)
	sort.Strings(methodList)

	mu.Lock()
	defer mu.Unlock()

	if existing, ok := byType[typ]; ok {
		return nil, fmt.Errorf("%w: %s as %s", ErrAlreadyRegistered, typ, existing.FullName())
	}
	for _, d := range byModule[module] {
		if d.Name == name {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, d.FullName())
		}
	}

	d := &Descriptor{
		Module:  module,
		Name:    name,
		Methods: methodList,
		typ:     typ,
		bind:    func(inv Invoker) any { return binder(inv) },
	}
	byType[typ] = d
	byModule[module] = append(byModule[module], d)
	return d, nil
}

// MustRegister is like Register but panics on error. Intended for package init.
func MustRegister[T any](module, name string, methods []string, binder func(Invoker) T) *Descriptor {
	d, err := Register[T](module, name, methods, binder)
	if err != nil {
		panic(err)
	}
	return d
}

// Lookup returns the descriptor registered for T
func Lookup[T any]() (*Descriptor, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()

	mu.RLock()
	defer mu.RUnlock()

	d, ok := byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, typ)
	}
	return d, nil
}

// Module returns every capability declared by the named module
func Module(module string) []*Descriptor {
	mu.RLock()
	defer mu.RUnlock()

	return append([]*Descriptor(nil), byModule[module]...)
}

// IsModule reports whether name is a capability module
func IsModule(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := byModule[name]
	return ok
}

// Bind binds inv to T through T's descriptor
func Bind[T any](d *Descriptor, inv Invoker) (T, error) {
	var zero T
	v, ok := d.Bind(inv).(T)
	if !ok {
		return zero, fmt.Errorf("binder for %s does not produce %s", d.FullName(), reflect.TypeOf((*T)(nil)).Elem())
	}
	return v, nil
}

// Result converts the first value a plugin method returned. Binders use it
// to give Invoker calls typed signatures:
//
//	func (c calculator) Calculate(ctx context.Context, a, b int) (int, error) {
//	    return capability.Result[int](c.Call(ctx, "Calculate", a, b))
//	}
func Result[R any](results []any, err error) (R, error) {
	var zero R
	if err != nil {
		return zero, err
	}
	if len(results) == 0 {
		return zero, ErrNoResult
	}
	return Convert[R](results[0])
}

// Convert returns v as R, converting between numeric kinds. Plugin numbers
// arrive as int64 or float64.
func Convert[R any](v any) (R, error) {
	var zero R
	if r, ok := v.(R); ok {
		return r, nil
	}

	target := reflect.TypeOf((*R)(nil)).Elem()
	if v == nil {
		switch target.Kind() {
		case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice:
			return zero, nil
		}
		return zero, fmt.Errorf("%w: nil is not %s", ErrResultType, target)
	}

	rv := reflect.ValueOf(v)
	if isNumeric(rv.Kind()) && isNumeric(target.Kind()) {
		if isFloat(rv.Kind()) && !isFloat(target.Kind()) {
			if f := rv.Float(); f != math.Trunc(f) || math.IsInf(f, 0) {
				return zero, fmt.Errorf("%w: %v is not %s", ErrResultType, v, target)
			}
		}
		return rv.Convert(target).Interface().(R), nil
	}
	return zero, fmt.Errorf("%w: %T is not %s", ErrResultType, v, target)
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// unregister removes a descriptor. Tests only.
func unregister(d *Descriptor) {
	mu.Lock()
	defer mu.Unlock()

	delete(byType, d.typ)
	list := byModule[d.Module]
	for i, other := range list {
		if other == d {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(byModule, d.Module)
	} else {
		byModule[d.Module] = list
	}
}
