// Package sandbox discovers plugin types inside a directory of Lua modules
// without letting one module's code leak into another's inspection.
//
// # Modules
//
// A module file may start with a header declaring its identity, used when
// other modules require it:
//
//	--! module: Calculator.Extension.Additor 1.0.0
//	local impromptu = require("impromptu")
//	local abstractions = require("Calculator.Abstractions") -- host capability module
//
//	local Additor = impromptu.class("Calculator.Extension.Additor", abstractions.ICalculator)
//	Additor:constructor({}, function(self) end)
//	Additor:constructor({"int"}, function(self, bias) self.bias = bias end)
//
//	function Additor:Calculate(a, b)
//	    return a + b + (self.bias or 0)
//	end
//
//	return { Additor = Additor }
//
// A class qualifies for a capability when it is exported, not abstract,
// declares the capability, defines all of its methods and has at least one
// public constructor whose parameter types are all bridgeable.
//
// # Isolation
//
// Every file is first inspected on its own: in a fresh Lua state
// (StateInspector) or in a child process (WorkerInspector). Only files that
// export implementations are then loaded into the package runtime that
// constructs objects.
//
//	d := sandbox.NewDiscoverer(sandbox.Options{Logger: logger})
//	pkg, err := d.Discover(ctx, filepath.Join(dir, "impromptu"), descriptor)
//	for _, t := range pkg.Types {
//	    obj, err := t.Constructors[0].New(ctx)
//	    ...
//	}
package sandbox
