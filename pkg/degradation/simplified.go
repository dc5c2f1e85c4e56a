package degradation

import (
	"context"
	"fmt"
	"sync"

	"github.com/OGHeyDude/agent-reliability/pkg/errors"
	"github.com/OGHeyDude/agent-reliability/pkg/logging"
)

// SimplifiedFunc is a lightweight replacement for a component's primary
// path. It should avoid the dependency that triggered degradation.
type SimplifiedFunc func(ctx context.Context, dctx Context) (interface{}, error)

// SimplifiedExecutionStrategy runs registered per-component reduced
// implementations: cheaper models, smaller feature sets, local-only work.
type SimplifiedExecutionStrategy struct {
	mutex    sync.RWMutex
	handlers map[string]SimplifiedFunc
	logger   *logging.Logger
}

// NewSimplifiedExecutionStrategy creates a strategy with no handlers.
func NewSimplifiedExecutionStrategy() *SimplifiedExecutionStrategy {
	return &SimplifiedExecutionStrategy{
		handlers: make(map[string]SimplifiedFunc),
		logger:   logging.GetLogger(),
	}
}

// Name implements Strategy.
func (s *SimplifiedExecutionStrategy) Name() string { return "simplified-execution" }

// Priority implements Strategy. Runs after the cache but before static
// responses.
func (s *SimplifiedExecutionStrategy) Priority() int { return 50 }

// RegisterHandler installs the reduced implementation for a component,
// replacing any previous one.
func (s *SimplifiedExecutionStrategy) RegisterHandler(component string, fn SimplifiedFunc) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[component] = fn
}

// DeregisterHandler removes a component's handler.
func (s *SimplifiedExecutionStrategy) DeregisterHandler(component string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.handlers, component)
}

// CanHandle implements Strategy.
func (s *SimplifiedExecutionStrategy) CanHandle(dctx Context) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.handlers[dctx.Component]
	return ok
}

// Execute implements Strategy.
func (s *SimplifiedExecutionStrategy) Execute(ctx context.Context, dctx Context) (*Result, error) {
	s.mutex.RLock()
	fn, ok := s.handlers[dctx.Component]
	s.mutex.RUnlock()

	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("simplified handler for %q", dctx.Component))
	}

	output, err := fn(ctx, dctx)
	if err != nil {
		return nil, errors.NewExecutionError(dctx.Component, err)
	}
	return &Result{Output: output}, nil
}

// StaticResponseStrategy serves a fixed payload per component. It is the
// last resort: better a canned answer than none at all.
type StaticResponseStrategy struct {
	mutex     sync.RWMutex
	responses map[string]interface{}
}

// NewStaticResponseStrategy creates a strategy with no responses.
func NewStaticResponseStrategy() *StaticResponseStrategy {
	return &StaticResponseStrategy{
		responses: make(map[string]interface{}),
	}
}

// Name implements Strategy.
func (s *StaticResponseStrategy) Name() string { return "static-response" }

// Priority implements Strategy.
func (s *StaticResponseStrategy) Priority() int { return 10 }

// SetResponse installs the canned payload for a component.
func (s *StaticResponseStrategy) SetResponse(component string, payload interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.responses[component] = payload
}

// CanHandle implements Strategy.
func (s *StaticResponseStrategy) CanHandle(dctx Context) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.responses[dctx.Component]
	return ok
}

// Execute implements Strategy.
func (s *StaticResponseStrategy) Execute(ctx context.Context, dctx Context) (*Result, error) {
	s.mutex.RLock()
	payload, ok := s.responses[dctx.Component]
	s.mutex.RUnlock()

	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("static response for %q", dctx.Component))
	}
	return &Result{Output: payload}, nil
}
