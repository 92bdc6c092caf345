// Package app is a minimal plugin host: an ordered launch lifecycle and a
// synchronous in-process event bus.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Phase is a step of the host lifecycle.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseLoad    Phase = "load"
	PhaseStartup Phase = "startup"
	PhaseStop    Phase = "stop"
)

var (
	ErrAlreadyLaunched = errors.New("app already launched")
	ErrNotLaunched     = errors.New("app not launched")
)

// Handler runs during a lifecycle phase.
type Handler func(ctx context.Context) error

// Listener receives the arguments of an emitted event.
type Listener func(ctx context.Context, args ...any)

type stage int

const (
	stageBefore stage = iota
	stageOn
	stageAfter
)

// App runs registered handlers through the launch phases and dispatches events
// to listeners. Handlers of one phase run in before, on, after order and in
// registration order within each stage.
type App struct {
	mu        sync.Mutex
	log       *slog.Logger
	handlers  map[Phase][3][]Handler
	listeners map[string][]Listener
	launched  bool
	stopped   bool
}

// New creates an App with no handlers.
func New(log *slog.Logger) *App {
	return &App{
		log:       log,
		handlers:  make(map[Phase][3][]Handler),
		listeners: make(map[string][]Listener),
	}
}

// Before registers handler to run ahead of the phase handlers.
func (a *App) Before(phase Phase, handler Handler) {
	a.register(phase, stageBefore, handler)
}

// Once registers handler to run when phase is reached.
func (a *App) Once(phase Phase, handler Handler) {
	a.register(phase, stageOn, handler)
}

// OnceAfter registers handler to run once every handler of phase succeeded.
func (a *App) OnceAfter(phase Phase, handler Handler) {
	a.register(phase, stageAfter, handler)
}

func (a *App) register(phase Phase, st stage, handler Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stages := a.handlers[phase]
	stages[st] = append(stages[st], handler)
	a.handlers[phase] = stages
}

// On subscribes listener to event.
func (a *App) On(event string, listener Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.listeners[event] = append(a.listeners[event], listener)
}

// Emit calls the listeners of event synchronously, in subscription order.
func (a *App) Emit(ctx context.Context, event string, args ...any) {
	a.mu.Lock()
	listeners := append([]Listener(nil), a.listeners[event]...)
	a.mu.Unlock()

	a.log.DebugContext(ctx, "Emitting event", "event", event, "listeners", len(listeners))
	for _, listener := range listeners {
		listener(ctx, args...)
	}
}

// Launch runs the init, load and startup phases. The first failing handler
// aborts the launch.
func (a *App) Launch(ctx context.Context) error {
	a.mu.Lock()
	if a.launched {
		a.mu.Unlock()
		return ErrAlreadyLaunched
	}
	a.launched = true
	a.mu.Unlock()

	for _, phase := range []Phase{PhaseInit, PhaseLoad, PhaseStartup} {
		if err := a.run(ctx, phase); err != nil {
			return err
		}
	}
	a.log.InfoContext(ctx, "Application launched")

	return nil
}

// Stop runs the stop phase once. Every stop handler runs; their errors are
// joined.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.launched {
		a.mu.Unlock()
		return ErrNotLaunched
	}
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	stages := a.handlers[PhaseStop]
	a.mu.Unlock()

	var errs []error
	for _, handlers := range stages {
		for _, handler := range handlers {
			if err := handler(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	a.log.InfoContext(ctx, "Application stopped", "errors", len(errs))

	return errors.Join(errs...)
}

func (a *App) run(ctx context.Context, phase Phase) error {
	a.mu.Lock()
	stages := a.handlers[phase]
	a.mu.Unlock()

	a.log.DebugContext(ctx, "Entering phase", "phase", phase)
	for _, handlers := range stages {
		for _, handler := range handlers {
			if err := handler(ctx); err != nil {
				return fmt.Errorf("failed to run %s phase: %w", phase, err)
			}
		}
	}

	return nil
}
