// Package cleanup groups shutdown steps of long-lived components, so they run in reverse order of setup.
package cleanup

import (
	"context"
	"errors"
	"io"
	"time"
)

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }

// Stack runs its closers last-in first-out, like deferred calls.
// The zero value is ready to use. Not safe for concurrent use.
type Stack struct {
	closers []io.Closer
	closed  bool
	err     error

	// IgnoreContextCanceled drops context.Canceled errors of the closers,
	// which are normal for components stopped by canceling their context.
	IgnoreContextCanceled bool
}

// Add pushes closers onto the stack.
func (s *Stack) Add(c ...io.Closer) {
	s.closers = append(s.closers, c...)
}

// AddErrFunc pushes functions onto the stack.
func (s *Stack) AddErrFunc(fn ...func() error) {
	for _, f := range fn {
		s.closers = append(s.closers, closerFunc(f))
	}
}

// AddShutdown pushes a function that gets at most timeout to finish.
// Zero timeout means no limit.
func (s *Stack) AddShutdown(timeout time.Duration, fn func(ctx context.Context) error) {
	s.AddErrFunc(func() error {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// Close runs all the closers, even if some of them fail, and returns all the errors joined.
// Subsequent calls return the same error without running anything.
func (s *Stack) Close() error {
	if s.closed {
		return s.err
	}
	s.closed = true

	for len(s.closers) > 0 {
		last := len(s.closers) - 1
		c := s.closers[last]
		s.closers = s.closers[:last]

		err := c.Close()
		if s.IgnoreContextCanceled && errors.Is(err, context.Canceled) {
			continue
		}
		s.err = errors.Join(s.err, err)
	}

	s.closers = nil
	return s.err
}
