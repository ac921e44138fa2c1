package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/platinummonkey/impromptu/pkg/pluginkey"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// VersionList is the body of GET /v1/packages/{id}
type VersionList struct {
	ID       string              `json:"id"`
	Versions []pluginkey.Version `json:"versions"`
}

// HTTPSource talks to a registry served by Server
type HTTPSource struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPSource creates a source for the registry at baseURL. A nil client
// gets a five minute timeout, long enough for large archives. Requests are
// traced and carry the caller's trace context.
func NewHTTPSource(baseURL string, client *http.Client, logger *logrus.Logger) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if client.Transport == nil {
		traced := *client
		traced.Transport = otelhttp.NewTransport(http.DefaultTransport)
		client = &traced
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
	}
}

// Name returns the registry base URL
func (s *HTTPSource) Name() string {
	return s.baseURL
}

func (s *HTTPSource) packageURL(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return s.baseURL + "/v1/packages/" + strings.Join(escaped, "/")
}

func (s *HTTPSource) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", s.baseURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("registry returned HTTP %d for %s: %s", resp.StatusCode, rawURL, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	resp, err := s.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode registry response: %w", err)
	}
	return nil
}

// Versions lists published versions of id
func (s *HTTPSource) Versions(ctx context.Context, id string) ([]pluginkey.Version, error) {
	var list VersionList
	if err := s.getJSON(ctx, s.packageURL(id), &list); err != nil {
		return nil, err
	}
	return list.Versions, nil
}

// Find resolves id at version
func (s *HTTPSource) Find(ctx context.Context, id string, version pluginkey.Version) (*Package, error) {
	var pkg Package
	if err := s.getJSON(ctx, s.packageURL(id, version.Normalized()), &pkg); err != nil {
		return nil, err
	}
	pkg.Source = s.Name()
	return &pkg, nil
}

// FindLatest resolves the latest version of id
func (s *HTTPSource) FindLatest(ctx context.Context, id string) (*Package, error) {
	versions, err := s.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	latest, ok := pluginkey.Latest(versions)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no versions", ErrNotFound, id)
	}
	return s.Find(ctx, id, latest)
}

// Extract downloads the archive and unpacks it into dest
func (s *HTTPSource) Extract(ctx context.Context, pkg *Package, dest string) error {
	archiveURL := s.packageURL(pkg.ID, pkg.Version.Normalized(), "archive")

	s.logger.WithFields(logrus.Fields{
		"package": pkg.String(),
		"url":     archiveURL,
	}).Debug("Downloading package")

	resp, err := s.get(ctx, archiveURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	format := pkg.Format
	if format == "" {
		format = FormatZip
	}
	if err := extractStream(ctx, resp.Body, format, dest); err != nil {
		return fmt.Errorf("failed to extract %s: %w", pkg, err)
	}
	return verifyManifest(dest, pkg)
}
