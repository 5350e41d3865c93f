package engine

import (
	"sync"

	"sigtree/backend/signals"
)

// ResultCollector aggregates the results of a fixed set of dependencies into a single outcome.
// The outcome fails as soon as any dependency is rejected, and succeeds once all are accepted.
type ResultCollector struct {
	mu        sync.Mutex
	deps      map[any]bool
	remaining int
	finished  bool
	done      func(ResultOrError[struct{}])
}

// NewResultCollector creates a collector over the dependencies.
// Done is called exactly once. With no dependencies it's called right away.
func NewResultCollector(deps []any, done func(ResultOrError[struct{}])) *ResultCollector {
	c := &ResultCollector{
		deps: make(map[any]bool, len(deps)),
		done: done,
	}
	for _, d := range deps {
		if _, ok := c.deps[d]; ok {
			panic(illegalState("duplicate dependency %v", d))
		}
		c.deps[d] = false
	}
	c.remaining = len(c.deps)

	if c.remaining == 0 {
		c.finished = true
		done(Success(struct{}{}))
	}

	return c
}

// RegisterDependency returns the handler resolving the dependency.
// It panics if the dependency is unknown, and the handler panics if called twice.
func (c *ResultCollector) RegisterDependency(dep any) ResultHandler {
	c.mu.Lock()
	_, ok := c.deps[dep]
	c.mu.Unlock()
	if !ok {
		panic(illegalState("unknown dependency %v", dep))
	}

	return func(r signals.Result) {
		c.resolve(dep, r)
	}
}

func (c *ResultCollector) resolve(dep any, r signals.Result) {
	c.mu.Lock()
	if c.deps[dep] {
		c.mu.Unlock()
		panic(illegalState("dependency %v resolved twice", dep))
	}
	c.deps[dep] = true
	c.remaining--

	if c.finished {
		c.mu.Unlock()
		return
	}

	var out ResultOrError[struct{}]
	switch {
	case !r.Accepted():
		out = ToResultOrError(r)
	case c.remaining == 0:
		out = Success(struct{}{})
	default:
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.done(out)
}
