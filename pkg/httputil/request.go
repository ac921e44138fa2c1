package httputil

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/impromptu/pkg/pluginkey"
)

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParsePathPackageID extracts a package id path parameter and validates it
func ParsePathPackageID(r *http.Request, key string) (string, error) {
	id, err := ParsePathString(r, key)
	if err != nil {
		return "", err
	}
	if !pluginkey.IsValidIdentifier(id) {
		return "", fmt.Errorf("invalid package id: %s", id)
	}
	return id, nil
}

// ParsePathPackageIDOrError is ParsePathPackageID writing 400 on failure
func ParsePathPackageIDOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	id, err := ParsePathPackageID(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return id, true
}

// ParsePathVersion extracts and parses a version path parameter
func ParsePathVersion(r *http.Request, key string) (pluginkey.Version, error) {
	str, err := ParsePathString(r, key)
	if err != nil {
		return pluginkey.Version{}, err
	}
	return pluginkey.ParseVersion(str)
}

// ParsePathVersionOrError is ParsePathVersion writing 400 on failure
func ParsePathVersionOrError(w http.ResponseWriter, r *http.Request, key string) (pluginkey.Version, bool) {
	v, err := ParsePathVersion(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return pluginkey.Version{}, false
	}
	return v, true
}
