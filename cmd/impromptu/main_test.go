package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/platinummonkey/impromptu/pkg/config"
	"github.com/platinummonkey/impromptu/pkg/registry"
	"github.com/platinummonkey/impromptu/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if sandbox.IsWorker() {
		os.Exit(sandbox.RunWorker())
	}
	os.Exit(m.Run())
}

var additorDir = filepath.Join("..", "..", "examples", "calculator", "packages", "additor")

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "impromptu test", out)
}

func TestPackFetchInspect(t *testing.T) {
	feed := t.TempDir()
	root := t.TempDir()

	archive, err := execute(t, "pack", additorDir, "--feed", feed)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(feed, "Calculator.Extension.Additor.1.0.0.zip"), archive)

	dir, err := execute(t, "fetch", "Calculator.Extension.Additor", "1.0", "--source", feed, "--root", root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Calculator.Extension.Additor.1.0.0"), dir)
	assert.FileExists(t, filepath.Join(dir, "impromptu", "additor.lua"))

	for _, isolation := range []string{config.IsolationState, config.IsolationWorker} {
		t.Run("inspect "+isolation, func(t *testing.T) {
			out, err := execute(t, "inspect", "Calculator.Extension.Additor@1.0.0",
				"--source", feed, "--root", root, "--isolation", isolation)
			require.NoError(t, err)

			var result inspectResult
			require.NoError(t, json.Unmarshal([]byte(out), &result))
			assert.Equal(t, "Calculator.Abstractions.ICalculator", result.Capability)
			require.Len(t, result.Types, 1)
			assert.Equal(t, "Calculator.Extension.Additor", result.Types[0].FullName)
			assert.Equal(t, [][]string{{}, {"int"}}, result.Types[0].Constructors)
		})
	}
}

func TestInspectDirectory(t *testing.T) {
	out, err := execute(t, "inspect", additorDir)
	require.NoError(t, err)

	var result inspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, filepath.Join(additorDir, "impromptu"), result.Dir)
	assert.Len(t, result.Types, 1)
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"fetch without sources", []string{"fetch", "Calculator.Extension.Additor"}},
		{"fetch bad version", []string{"fetch", "Pkg", "1.x", "--source", "/nonexistent"}},
		{"fetch unknown package", []string{"fetch", "Nope", "--source", "/nonexistent"}},
		{"bad source", []string{"fetch", "Pkg", "--source", "ftp://x"}},
		{"bad isolation", []string{"fetch", "Pkg", "--isolation", "vm"}},
		{"unknown capability", []string{"inspect", additorDir, "--capability", "No.Such"}},
		{"malformed capability", []string{"inspect", additorDir, "--capability", "NoDot"}},
		{"pack without manifest", []string{"pack", "/nonexistent"}},
		{"serve without feed", []string{"serve"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestServeHandler(t *testing.T) {
	feedDir := t.TempDir()
	_, err := execute(t, "pack", additorDir, "--feed", feedDir)
	require.NoError(t, err)

	a := &app{}
	require.NoError(t, a.init(newRootCmd("test"), &rootFlags{}))
	a.cfg.Server.FeedDir = feedDir

	feed := registry.NewFileSystemSource(feedDir, a.logger)
	ts := httptest.NewServer(a.serveHandler(registry.NewServer(feed, a.metrics, a.logger), "test"))
	defer ts.Close()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/v1/packages/Calculator.Extension.Additor", http.StatusOK, "1.0.0"},
		{"/health/live", http.StatusOK, "healthy"},
		{"/health/ready", http.StatusOK, "healthy"},
		{"/metrics", http.StatusOK, "impromptu_http_requests_total"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestLookupCapability(t *testing.T) {
	d, err := lookupCapability("Calculator.Abstractions.ICalculator")
	require.NoError(t, err)
	assert.Equal(t, "ICalculator", d.Name)

	_, err = lookupCapability("Calculator.Abstractions.")
	assert.Error(t, err)
}
