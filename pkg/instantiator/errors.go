package instantiator

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
)

// Build stages reported by BuildError
const (
	StageRetrieve = "retrieve"
	StageDiscover = "discover"
	StageCompile  = "compile"
)

var (
	// ErrBuild is matched by every *BuildError
	ErrBuild = errors.New("instantiator build failed")

	// ErrRetrieval is matched by a *BuildError from the retrieve stage
	ErrRetrieval = errors.New("package retrieval failed")

	// ErrUnknownSignature is matched by every *UnknownSignatureError
	ErrUnknownSignature = errors.New("unknown constructor signature")
)

// BuildError reports a failed slow path. Nothing is cached; the next
// Instantiate for the key starts over.
type BuildError struct {
	Key   pluginkey.Key
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	if e.Stage == StageRetrieve {
		return fmt.Sprintf("failed to obtain package %s: %v", e.Key.PackageDirName(), e.Err)
	}
	return fmt.Sprintf("failed to build instantiators for %s (%s): %v", e.Key, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches ErrBuild, and ErrRetrieval for retrieve stage failures
func (e *BuildError) Is(target error) bool {
	return target == ErrBuild || (target == ErrRetrieval && e.Stage == StageRetrieve)
}

// UnknownSignatureError reports a key whose package has been built but has
// no constructor taking the given argument types
type UnknownSignatureError struct {
	Key       pluginkey.Key
	Signature string
}

func (e *UnknownSignatureError) Error() string {
	return fmt.Sprintf("constructor signature (%s) not found for %s", e.Signature, e.Key)
}

// Is matches ErrUnknownSignature
func (e *UnknownSignatureError) Is(target error) bool {
	return target == ErrUnknownSignature
}
