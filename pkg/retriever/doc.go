// Package retriever materializes versioned packages from registry sources
// into a local root directory, exactly once across goroutines and processes.
//
// A package lands in {root}/{id}.{normalizedVersion}. The directory only
// appears once extraction has finished: contents are staged in a sibling
// directory and renamed into place. While one process extracts, a sibling
// {id}.{normalizedVersion}.lock marker tells everyone else to wait.
//
//	r := retriever.New([]registry.Source{feed, remote}, retriever.Options{Logger: logger})
//	dir, err := r.Retrieve(ctx, root, "Calculator.Extension.Additor", nil) // latest
//	if errors.Is(err, retriever.ErrNotFound) {
//	    ...
//	}
package retriever
