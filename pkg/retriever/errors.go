package retriever

import "errors"

var (
	// ErrNotFound is returned when no source has the package or version, or
	// when the extraction wait budget ran out before the directory appeared
	ErrNotFound = errors.New("package not found")

	// ErrWaitBudgetExhausted is wrapped by ErrNotFound when another extractor
	// held the marker for the whole wait budget
	ErrWaitBudgetExhausted = errors.New("wait budget exhausted")

	// ErrNoSources is returned by Retrieve when the retriever has no sources
	ErrNoSources = errors.New("no package sources configured")
)
