package withdraw

import (
	"time"

	"github.com/stellar/go/support/log"
)

type settings struct {
	logger *log.Entry
	hooks  *HookRegistry
	now    func() time.Time
}

func newSettings(opts []Option) settings {
	s := settings{
		logger: log.DefaultLogger,
		hooks:  NewHookRegistry(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures an Orchestrator or a Controller.
type Option func(*settings)

// WithLogger sets the logger. Defaults to log.DefaultLogger.
func WithLogger(logger *log.Entry) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithHooks sets the registry lifecycle events are triggered on. Components
// of one process should share a registry.
func WithHooks(hooks *HookRegistry) Option {
	return func(s *settings) {
		if hooks != nil {
			s.hooks = hooks
		}
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}
