package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/impromptu/pkg/async"
	"github.com/platinummonkey/impromptu/pkg/capability"
	"github.com/platinummonkey/impromptu/pkg/observability"
	"github.com/sirupsen/logrus"
)

// WorkerEnv marks a process started as a sandbox worker
const WorkerEnv = "IMPROMPTU_SANDBOX_WORKER"

type workerRequest struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	Module     string `json:"module"`
	Capability string `json:"capability"`
	HostDir    string `json:"host_dir,omitempty"`
}

type workerResponse struct {
	ID     string  `json:"id"`
	Report *Report `json:"report,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// IsWorker reports whether this process was started by a WorkerInspector.
// Hosts check it first thing in main:
//
//	if sandbox.IsWorker() {
//	    os.Exit(sandbox.RunWorker())
//	}
func IsWorker() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// RunWorker answers one inspection request on stdin/stdout and returns the
// process exit code
func RunWorker() int {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := ServeWorker(context.Background(), os.Stdin, os.Stdout, logger); err != nil {
		logger.WithError(err).Error("Sandbox worker failed")
		return 1
	}
	return 0
}

// ServeWorker decodes one request from r, inspects the module with a
// StateInspector and writes the response to w. Inspection failures are
// reported in the response; only I/O failures are returned.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, logger *logrus.Logger) error {
	var req workerRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}

	resp := workerResponse{ID: req.ID}
	c, err := lookupDescriptor(req.Module, req.Capability)
	if err == nil {
		inspector := &StateInspector{HostDir: req.HostDir, Logger: logger}
		resp.Report, err = inspector.Inspect(ctx, req.Path, c)
	}
	if err != nil {
		resp.Error = err.Error()
	}

	return json.NewEncoder(w).Encode(resp)
}

func lookupDescriptor(module, name string) (*capability.Descriptor, error) {
	for _, d := range capability.Module(module) {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownCapability, module, name)
}

// WorkerInspector inspects each file in a short-lived child process running
// the host binary, which must call RunWorker when IsWorker is set. The child
// registers the same capabilities as the host at init.
type WorkerInspector struct {
	// Executable defaults to the running binary
	Executable string
	Args       []string
	HostDir    string
	Logger     *logrus.Logger
}

// Inspect implements Inspector
func (i *WorkerInspector) Inspect(ctx context.Context, path string, c *capability.Descriptor) (*Report, error) {
	exe := i.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorker, err)
		}
	}
	logger := observability.OrDefault(i.Logger)

	req := workerRequest{
		ID:         uuid.NewString(),
		Path:       path,
		Module:     c.Module,
		Capability: c.Name,
		HostDir:    i.HostDir,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, exe, i.Args...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorker, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorker, err)
	}

	drained := make(chan struct{})
	async.SafeGo(context.Background(), time.Minute, "sandbox worker stderr", func(context.Context) error {
		defer close(drained)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.WithFields(logrus.Fields{
				"worker": req.ID,
				"path":   path,
			}).Debug(scanner.Text())
		}
		return scanner.Err()
	})
	<-drained

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrWorker, path, err)
	}

	var resp workerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrWorker, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("%w: response id %q does not match request", ErrWorker, resp.ID)
	}
	if resp.Error != "" {
		return nil, &ModuleError{Path: path, Err: errors.New(resp.Error)}
	}
	return resp.Report, nil
}
