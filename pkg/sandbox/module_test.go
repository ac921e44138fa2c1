package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestReadModuleHeader(t *testing.T) {
	tests := []struct {
		name         string
		src          string
		wantIdentity string
		wantVersion  string
	}{
		{"header with version", "--! module: Calc.Additor 1.0\nreturn {}", "Calc.Additor", "1.0.0"},
		{"header without version", "--! module: Calc.Additor\nreturn {}", "Calc.Additor", "0.0.0"},
		{"after other comments", "-- Additor\n\n--! module: Calc.Additor 2.1.0-beta\n", "Calc.Additor", "2.1.0-beta"},
		{"invalid version ignored", "--! module: Calc.Additor one\n", "Calc.Additor", "0.0.0"},
		{"no header", "return {}", "additor", "0.0.0"},
		{"header after code", "local x = 1\n--! module: Calc.Additor\n", "additor", "0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "additor.lua")
			require.NoError(t, os.WriteFile(path, []byte(tt.src), 0644))

			mf, err := readModuleHeader(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIdentity, mf.Identity)
			assert.Equal(t, tt.wantVersion, mf.Version)
			assert.Equal(t, path, mf.Path)
		})
	}
}

func TestListModules(t *testing.T) {
	dir := writeModules(t, map[string]string{
		"b.lua":     "--! module: B\n",
		"a.LUA":     "--! module: A\n",
		"notes.txt": "",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.lua"), 0755))

	files, err := listModules(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "A", files[0].Identity)
	assert.Equal(t, "B", files[1].Identity)

	files, err = listModules(filepath.Join(dir, "absent"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestBridge(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int", 42, int64(42)},
		{"uint8", uint8(7), int64(7)},
		{"float", 1.5, 1.5},
		{"string", "hi", "hi"},
		{"bytes", []byte("raw"), "raw"},
		{"string slice", []string{"a", "b"}, []interface{}{"a", "b"}},
		{"map", map[string]int{"x": 1}, map[string]interface{}{"x": int64(1)}},
		{"pointer", func() *int { v := 3; return &v }(), int64(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lv, err := toLua(L, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, toGo(lv))
		})
	}

	_, err := toLua(L, map[int]string{1: "x"})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = toLua(L, struct{}{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestBridge_SharedAndCyclicTables(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	require.NoError(t, L.DoString(`
		shared = {1, 2}
		pair = {a = shared, b = {inner = shared}}
		loop = {name = "loop"}
		loop.self = loop
	`))

	tests := []struct {
		name   string
		global string
		want   interface{}
	}{
		{
			name:   "shared subtable converts everywhere it appears",
			global: "pair",
			want: map[string]interface{}{
				"a": []interface{}{int64(1), int64(2)},
				"b": map[string]interface{}{"inner": []interface{}{int64(1), int64(2)}},
			},
		},
		{
			name:   "cycle is cut",
			global: "loop",
			want:   map[string]interface{}{"name": "loop", "self": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toGo(L.GetGlobal(tt.global)))
		})
	}
}

func TestIsBridgeable(t *testing.T) {
	for _, name := range BridgeableTypes() {
		assert.True(t, IsBridgeable(name), name)
	}
	assert.False(t, IsBridgeable("chan int"))
	assert.False(t, IsBridgeable("number"))
	assert.Equal(t, "int,string", Signature([]string{"int", "string"}))
	assert.Equal(t, "", Signature(nil))
}
