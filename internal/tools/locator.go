// Package tools resolves external binaries (ffmpeg, exiftool) and caches the
// lookups for a bounded time.
package tools

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ErrNotFound is returned when a tool is not on PATH.
var ErrNotFound = errors.New("tool not found on PATH")

type entry struct {
	path    string
	err     error
	expires time.Time
}

// Locator caches exec.LookPath results for TTL. It is safe for concurrent use.
type Locator struct {
	ttl      time.Duration
	lookPath func(string) (string, error)
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewLocator returns a Locator with the given time-to-live.
func NewLocator(ttl time.Duration) *Locator {
	return newLocator(ttl, exec.LookPath, time.Now)
}

func newLocator(ttl time.Duration, lookPath func(string) (string, error), now func() time.Time) *Locator {
	return &Locator{
		ttl:      ttl,
		lookPath: lookPath,
		now:      now,
		entries:  make(map[string]entry),
	}
}

// Get returns the absolute path of name, consulting the cache first. Failed
// lookups are cached too, so a missing tool is not searched for on every trial.
func (l *Locator) Get(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[name]; ok && now.Before(e.expires) {
		return e.path, e.err
	}

	path, err := l.lookPath(name)
	if err != nil {
		err = fmt.Errorf("%w: %s", ErrNotFound, name)
		path = ""
	}
	l.entries[name] = entry{path: path, err: err, expires: now.Add(l.ttl)}
	return path, err
}

// Invalidate drops every cached lookup.
func (l *Locator) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]entry)
}

// Available reports whether name currently resolves.
func (l *Locator) Available(name string) bool {
	_, err := l.Get(name)
	return err == nil
}
