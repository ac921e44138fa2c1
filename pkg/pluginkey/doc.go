// Package pluginkey provides the validated identity used to address a plugin type.
//
// # Overview
//
// A Key names one concrete type inside one version of one package:
//
//	key, err := pluginkey.New("Calculator.Extension.Additor", "1.0", "Calculator.Extension.Additor")
//	// key.String() == "Calculator.Extension.Additor.1.0.0.Calculator.Extension.Additor"
//
// Package ids and type names must be dot-separated identifiers, each segment
// matching [A-Za-z_]\w* with an optional leading '@'. Versions are parsed as
// NuGet-style semantic versions (two to four numeric parts, optional
// prerelease label) and stored in normalized form, so "1.0" and "1.0.0"
// produce the same Key.
//
// Keys are comparable values and are used directly as map keys by the
// instantiator cache. Construction either succeeds completely or returns a
// *ValidationError; a partially-built Key is never returned.
package pluginkey
