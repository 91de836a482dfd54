// Package startup boots the service as a graph of named dependencies.
// Each dependency declares what it needs running first; Start walks the
// graph and retries the whole sequence with fibonacci backoff, which rides
// out a database or broker that comes up a few seconds after the service.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type depState int

const (
	statePending depState = iota
	stateStarted
	stateStopped
)

type Startup struct {
	logger       ectologger.Logger
	dependencies map[string]StartupDependency
	states       map[string]depState
	order        []string // registration order, doubles as stop order reversed
	maxAttempts  int
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		logger:       logger,
		dependencies: make(map[string]StartupDependency),
		states:       make(map[string]depState),
		maxAttempts:  maxAttempts,
	}
}

// AddDependency registers a dependency. Re-registering a name replaces the
// previous entry but keeps its position in the stop order.
func (s *Startup) AddDependency(dep StartupDependency) {
	name := dep.GetName()
	if _, exists := s.dependencies[name]; !exists {
		s.order = append(s.order, name)
	}
	s.dependencies[name] = dep
}

// Start brings every registered dependency up, prerequisites first. A failed
// attempt leaves already-started dependencies running and retries only the
// rest on the next pass.
func (s *Startup) Start(ctx context.Context) error {
	var lastErr error

	prev, wait := 0, 1
	for attempt := 1; ; attempt++ {
		s.logger.Infof("startup attempt %d/%d", attempt, s.maxAttempts)

		lastErr = nil
		for _, name := range s.order {
			if err := s.bringUp(ctx, s.dependencies[name]); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt >= s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", attempt, lastErr)
		}

		s.logger.WithError(lastErr).Warnf("startup attempt %d failed, retrying in %ds", attempt, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait) * time.Second):
		}
		prev, wait = wait, prev+wait
	}
}

func (s *Startup) bringUp(ctx context.Context, dep StartupDependency) error {
	name := dep.GetName()
	if s.states[name] == stateStarted {
		return nil
	}

	for _, required := range dep.DependsOn() {
		prereq, ok := s.dependencies[required]
		if !ok {
			return fmt.Errorf("dependency %q requires unknown dependency %q", name, required)
		}
		if err := s.bringUp(ctx, prereq); err != nil {
			return err
		}
	}

	s.logger.Infof("starting %s", name)
	if err := dep.Start(ctx); err != nil {
		s.states[name] = statePending
		return fmt.Errorf("failed to start %q: %w", name, err)
	}
	s.states[name] = stateStarted
	return nil
}

// Stop shuts down started dependencies in reverse registration order. Every
// dependency gets its Stop call even when an earlier one fails; the first
// error is returned.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if s.states[name] != stateStarted {
			continue
		}

		s.logger.Infof("stopping %s", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			s.logger.WithError(err).Errorf("failed to stop %s", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.states[name] = stateStopped
	}
	return firstErr
}
