package registry

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/platinummonkey/impromptu/pkg/httputil"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Server exposes a feed directory over HTTP for HTTPSource clients.
// The directory listing is cached until the feed changes.
type Server struct {
	feed    *FileSystemSource
	logger  *logrus.Logger
	metrics *observability.Metrics

	mu         sync.RWMutex
	index      map[string][]*Package
	generation uint64
}

// NewServer creates a registry server over feed
func NewServer(feed *FileSystemSource, metrics *observability.Metrics, logger *logrus.Logger) *Server {
	return &Server{
		feed:    feed,
		logger:  observability.OrDefault(logger),
		metrics: metrics,
	}
}

// RegisterRoutes registers the package API routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/packages", s.listPackages).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages/{id}", s.listVersions).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages/{id}/{version}", s.getPackage).Methods(http.MethodGet)
	r.HandleFunc("/v1/packages/{id}/{version}/archive", s.getArchive).Methods(http.MethodGet)
}

// Router returns a router with the package API and standard middleware
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		observability.HTTPMetricsMiddleware(s.metrics),
		httputil.RecoveryMiddleware(s.logger),
	)
	s.RegisterRoutes(r)
	return r
}

// Invalidate drops the cached feed listing
func (s *Server) Invalidate() {
	s.mu.Lock()
	s.index = nil
	s.generation++
	s.mu.Unlock()
}

func (s *Server) currentIndex(r *http.Request) (map[string][]*Package, error) {
	s.mu.RLock()
	index, generation := s.index, s.generation
	s.mu.RUnlock()
	if index != nil {
		s.metrics.ObserveIndexCache("feed", true)
		return index, nil
	}
	s.metrics.ObserveIndexCache("feed", false)

	index, err := s.feed.List(r.Context())
	if err != nil {
		return nil, err
	}

	// a listing that raced with an invalidation is served but not kept
	s.mu.Lock()
	if s.generation == generation {
		s.index = index
	}
	s.mu.Unlock()
	return index, nil
}

// listPackages handles GET /v1/packages
func (s *Server) listPackages(w http.ResponseWriter, r *http.Request) {
	index, err := s.currentIndex(r)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	httputil.WriteJSON(w, http.StatusOK, map[string][]string{"packages": ids})
}

// listVersions handles GET /v1/packages/{id}
func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathPackageIDOrError(w, r, "id")
	if !ok {
		return
	}

	index, err := s.currentIndex(r)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	pkgs := index[id]
	if len(pkgs) == 0 {
		httputil.WriteNotFoundError(w, fmt.Sprintf("package %s not found", id))
		return
	}

	list := VersionList{ID: id}
	for _, p := range pkgs {
		list.Versions = append(list.Versions, p.Version)
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Package, bool) {
	id, ok := httputil.ParsePathPackageIDOrError(w, r, "id")
	if !ok {
		return nil, false
	}
	version, ok := httputil.ParsePathVersionOrError(w, r, "version")
	if !ok {
		return nil, false
	}

	index, err := s.currentIndex(r)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return nil, false
	}

	for _, p := range index[id] {
		if p.Version.Compare(version) == 0 {
			return p, true
		}
	}
	httputil.WriteNotFoundError(w, fmt.Sprintf("package %s %s not found", id, version))
	return nil, false
}

// getPackage handles GET /v1/packages/{id}/{version}
func (s *Server) getPackage(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookup(w, r)
	if !ok {
		return
	}

	// the feed path is meaningless to clients
	public := *pkg
	public.Location = ""
	public.Source = ""
	httputil.WriteJSON(w, http.StatusOK, public)
}

// getArchive handles GET /v1/packages/{id}/{version}/archive
func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	pkg, ok := s.lookup(w, r)
	if !ok {
		return
	}

	f, err := os.Open(pkg.Location)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.Invalidate()
			httputil.WriteNotFoundError(w, fmt.Sprintf("archive for %s not found", pkg))
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	contentType := "application/zip"
	if pkg.Format == FormatTarGz {
		contentType = "application/gzip"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.ArchiveName()))
	http.ServeContent(w, r, pkg.ArchiveName(), info.ModTime(), f)
}

// Watch invalidates the cached listing whenever an archive in the feed
// changes. The returned stop function ends the watch.
func (s *Server) Watch() (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.feed.Dir()); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching feed directory %s: %w", s.feed.Dir(), err)
	}

	done := make(chan struct{})
	go func() {
		defer observability.RecoverPanic(s.logger, "feed watcher")
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isArchiveEvent(event) {
					continue
				}
				s.logger.WithFields(logrus.Fields{
					"file": filepath.Base(event.Name),
					"op":   event.Op.String(),
				}).Debug("Feed changed, invalidating index")
				s.Invalidate()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("Feed watcher error")

			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() error {
		var closeErr error
		once.Do(func() {
			close(done)
			closeErr = watcher.Close()
		})
		return closeErr
	}, nil
}

func isArchiveEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	_, _, ok := detectFormat(filepath.Base(event.Name))
	return ok
}
