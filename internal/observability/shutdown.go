package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ShutdownCoordinator runs registered shutdown handlers in LIFO order, so
// components stop in reverse of their start order.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
}

type namedHandler struct {
	name string
	fn   func(context.Context) error
}

// Register adds a shutdown handler.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, namedHandler{name: name, fn: fn})
}

// Shutdown runs every handler, newest first, and joins their errors.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if err := h.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}
