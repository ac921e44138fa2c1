// Package instantiator turns plugin keys into live instances of a capability.
//
//	f, err := instantiator.New[ICalculator](retriever, discoverer, instantiator.Options{})
//	key := pluginkey.MustNew("Calculator.Extension.Additor", "1.0.0", "Calculator.Extension.Additor")
//	calc, err := f.Instantiate(ctx, key)
//	sum, err := calc.Calculate(ctx, 10, 5)
//
// The first Instantiate for a package retrieves it into the factory root,
// discovers its types and compiles an invoker for every public constructor.
// Later calls, for that key or any sibling type in the same package, are a
// table lookup. Constructors are chosen by the Go types of the arguments,
// see SignatureHash.
//
// The table is never evicted. It lives as long as the Factory.
package instantiator
