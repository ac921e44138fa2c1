// Package httputil provides HTTP utilities for the registry server.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, versions)
//	httputil.WriteNotFoundError(w, "package not found")
//
// # Path Parsing
//
//	id, ok := httputil.ParsePathPackageIDOrError(w, r, "id")
//	if !ok {
//		return // 400 already written
//	}
//	version, ok := httputil.ParsePathVersionOrError(w, r, "version")
//
// # Middleware
//
//	router.Use(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)
package httputil
