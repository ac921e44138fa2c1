package instantiator

import (
	"reflect"
	"sync"

	"github.com/platinummonkey/impromptu/pkg/sandbox"
)

// NilArgument is the signature entry of a nil argument. No constructor
// declares it, so nil arguments never match.
const NilArgument = "<nil>"

var typeNames sync.Map // reflect.Type -> string

func typeName(v interface{}) string {
	if v == nil {
		return NilArgument
	}
	t := reflect.TypeOf(v)
	if name, ok := typeNames.Load(t); ok {
		return name.(string)
	}
	name, _ := typeNames.LoadOrStore(t, t.String())
	return name.(string)
}

// SignatureHash returns the comma-joined type names of args, "" for none.
// It matches sandbox.Constructor.Signature for constructors declaring the
// same parameter types.
func SignatureHash(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}
	names := make([]string, len(args))
	for i, arg := range args {
		names[i] = typeName(arg)
	}
	return sandbox.Signature(names)
}
