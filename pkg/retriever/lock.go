package retriever

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// marker is an extraction-in-progress file created exclusively
type marker struct {
	path string
	file *os.File
}

// tryLock creates the marker at path. It returns nil, nil when another
// process already holds it.
func tryLock(path string) (*marker, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create lock marker: %w", err)
	}

	host, _ := os.Hostname()
	fmt.Fprintf(f, "pid=%d host=%s since=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))

	return &marker{path: path, file: f}, nil
}

// owned reports whether the file at the marker path is still the one this
// marker created. A waiter may have removed it as stale and another
// extractor taken its place.
func (m *marker) owned() bool {
	held, err := m.file.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(m.path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

// heartbeat refreshes the marker's modification time every interval until
// the returned stop func is called, so a slow extraction is never judged
// stale
func (m *marker) heartbeat(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if m.owned() {
					os.Chtimes(m.path, now, now)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}

// release closes the marker and removes it when it is still ours
func (m *marker) release() error {
	owned := m.owned()
	closeErr := m.file.Close()
	if !owned {
		return closeErr
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return closeErr
}

// removeStale deletes the marker at path when it is older than age, which
// only happens when its owner died mid-extraction
func removeStale(path string, age time.Duration) (bool, error) {
	if age <= 0 {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if time.Since(info.ModTime()) < age {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
