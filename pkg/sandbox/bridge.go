package sandbox

import (
	"fmt"
	"reflect"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// bridgeable lists the Go parameter types a constructor may declare. Names
// are reflect.Type.String() forms so they compare directly with argument
// signatures.
var bridgeable = map[string]bool{
	"bool":                   true,
	"string":                 true,
	"int":                    true,
	"int8":                   true,
	"int16":                  true,
	"int32":                  true,
	"int64":                  true,
	"uint":                   true,
	"uint8":                  true,
	"uint16":                 true,
	"uint32":                 true,
	"uint64":                 true,
	"float32":                true,
	"float64":                true,
	"[]uint8":                true,
	"[]string":               true,
	"[]interface {}":         true,
	"map[string]string":      true,
	"map[string]interface {}": true,
}

// IsBridgeable reports whether a constructor parameter type name can be
// passed from Go into a package runtime
func IsBridgeable(typeName string) bool {
	return bridgeable[typeName]
}

// BridgeableTypes returns the accepted constructor parameter type names
func BridgeableTypes() []string {
	names := make([]string, 0, len(bridgeable))
	for name := range bridgeable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// toLua converts a Go value into a Lua value owned by L
func toLua(L *lua.LState, v interface{}) (lua.LValue, error) {
	if v == nil {
		return lua.LNil, nil
	}

	switch val := v.(type) {
	case lua.LValue:
		return val, nil
	case bool:
		return lua.LBool(val), nil
	case string:
		return lua.LString(val), nil
	case []byte:
		return lua.LString(val), nil
	case int:
		return lua.LNumber(val), nil
	case int8:
		return lua.LNumber(val), nil
	case int16:
		return lua.LNumber(val), nil
	case int32:
		return lua.LNumber(val), nil
	case int64:
		return lua.LNumber(val), nil
	case uint:
		return lua.LNumber(val), nil
	case uint8:
		return lua.LNumber(val), nil
	case uint16:
		return lua.LNumber(val), nil
	case uint32:
		return lua.LNumber(val), nil
	case uint64:
		return lua.LNumber(val), nil
	case float32:
		return lua.LNumber(val), nil
	case float64:
		return lua.LNumber(val), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return toLua(L, rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		t := L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			item, err := toLua(L, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			t.RawSetInt(i+1, item)
		}
		return t, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
		}
		t := L.NewTable()
		iter := rv.MapRange()
		for iter.Next() {
			item, err := toLua(L, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			t.RawSetString(iter.Key().String(), item)
		}
		return t, nil
	}

	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// toGo converts a Lua value into a Go value. Integral numbers become int64,
// sequences become []interface{} and other tables map[string]interface{}.
func toGo(lv lua.LValue) interface{} {
	return toGoVisited(lv, map[*lua.LTable]bool{})
}

func toGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		// only tables on the current path are cycles
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) interface{} {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]interface{}, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGoVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]interface{}, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = toGoVisited(v, visited)
	})
	return m
}
