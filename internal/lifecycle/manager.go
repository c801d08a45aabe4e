// Package lifecycle closes long-lived resources at shutdown in reverse order
// of registration.
package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager collects closers. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	logger    zerolog.Logger
	resources []resource
	closed    bool
}

type resource struct {
	name   string
	closer io.Closer
}

// NewManager creates an empty Manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{logger: log}
}

// Register adds a resource. Resources close last-registered first.
func (m *Manager) Register(name string, closer io.Closer) {
	if closer == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, closer: closer})
}

// RegisterFunc registers a cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.Register(name, closerFunc(fn))
}

// Close closes every resource even when some fail and returns all failures
// joined. Later calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.closer.Close(); err != nil {
			m.logger.Error().Err(err).Str("resource", res.name).Msg("lifecycle.close_failed")
			errs = append(errs, fmt.Errorf("close %s: %w", res.name, err))
			continue
		}
		m.logger.Debug().Str("resource", res.name).Msg("lifecycle.closed")
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
