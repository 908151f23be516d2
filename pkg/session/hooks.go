package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

type hookDefinition struct {
	name string
	fn   func(context.Context) error
}

// TeardownHooks runs cleanup at the end of a session. Hooks run in the order
// they were added and a failing hook does not stop the rest.
type TeardownHooks struct {
	hooks []hookDefinition
}

// AddContext registers a hook. Nil hooks are ignored with a warning.
func (s *TeardownHooks) AddContext(name string, hook func(context.Context) error) {
	if s.hooks == nil {
		s.hooks = make([]hookDefinition, 0, 5)
	}
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil teardown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding teardown hook")
	s.hooks = append(s.hooks, hookDefinition{name: name, fn: hook})
}

// Add registers a hook that does not need a context.
func (s *TeardownHooks) Add(name string, hook func() error) {
	if hook == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil teardown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return hook()
	})
}

// Execute runs every hook and returns their failures joined, or nil. The
// hooks are cleared so a second call does nothing.
func (s *TeardownHooks) Execute(ctx context.Context) error {
	var errs []error

	l := log.Ctx(ctx)
	for _, hook := range s.hooks {
		hookLog := l.With().Str("hook", hook.name).Logger()

		hookLog.Debug().Msg("teardown started")
		if err := hook.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("teardown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
		} else {
			hookLog.Debug().Msg("teardown complete")
		}
	}
	s.hooks = nil

	return errors.Join(errs...)
}
