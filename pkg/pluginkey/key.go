package pluginkey

import (
	"hash/fnv"
	"regexp"
)

var identifierRegex = regexp.MustCompile(`^@?[A-Za-z_]\w*(?:\.@?[A-Za-z_]\w*)*$`)

// Key identifies a concrete type within a specific version of a package.
// The zero Key is not valid; obtain keys through New.
type Key struct {
	packageID    string
	version      string
	fullTypeName string
}

// New validates and normalizes the three key components
func New(packageID, version, fullTypeName string) (Key, error) {
	if !IsValidIdentifier(packageID) {
		return Key{}, &ValidationError{Field: FieldPackageID, Value: packageID}
	}

	if !IsValidIdentifier(fullTypeName) {
		return Key{}, &ValidationError{Field: FieldFullTypeName, Value: fullTypeName}
	}

	v, err := ParseVersion(version)
	if err != nil {
		return Key{}, &ValidationError{Field: FieldVersion, Value: version, Err: err}
	}

	return Key{
		packageID:    packageID,
		version:      v.Normalized(),
		fullTypeName: fullTypeName,
	}, nil
}

// MustNew is like New but panics on error
func MustNew(packageID, version, fullTypeName string) Key {
	k, err := New(packageID, version, fullTypeName)
	if err != nil {
		panic(err)
	}
	return k
}

// IsValidIdentifier reports whether s is a dot-separated identifier
func IsValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

// PackageID returns the package id
func (k Key) PackageID() string { return k.packageID }

// Version returns the normalized version string
func (k Key) Version() string { return k.version }

// FullTypeName returns the fully-qualified type name
func (k Key) FullTypeName() string { return k.fullTypeName }

// ParsedVersion returns the key's version. Keys built by New always hold a
// parseable version.
func (k Key) ParsedVersion() Version {
	v, _ := ParseVersion(k.version)
	return v
}

// WithTypeName returns a key for a sibling type of the same package version
func (k Key) WithTypeName(fullTypeName string) (Key, error) {
	if !IsValidIdentifier(fullTypeName) {
		return Key{}, &ValidationError{Field: FieldFullTypeName, Value: fullTypeName}
	}
	return Key{packageID: k.packageID, version: k.version, fullTypeName: fullTypeName}, nil
}

// IsZero reports whether k is the zero Key
func (k Key) IsZero() bool {
	return k == Key{}
}

// String renders {packageId}.{version}.{fullTypeName}
func (k Key) String() string {
	return k.packageID + "." + k.version + "." + k.fullTypeName
}

// Hash returns a stable 64-bit hash of the key
func (k Key) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.String()))
	return h.Sum64()
}

// PackageDirName is the on-disk directory name for the key's package
func (k Key) PackageDirName() string {
	return DirName(k.packageID, k.version)
}

// DirName returns {packageId}.{normalizedVersion}
func DirName(packageID, normalizedVersion string) string {
	return packageID + "." + normalizedVersion
}
