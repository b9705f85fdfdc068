package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Component is a long-running part of a process, such as the game server
// or the metrics endpoint.
type Component interface {
	// Run blocks until the component stops or fails. It should return
	// promptly once ctx is cancelled or Stop is called.
	Run(ctx context.Context) error
	// Stop gracefully stops the component.
	Stop()
}

// FuncComponent adapts a run/stop function pair into the Component interface.
type FuncComponent struct {
	RunFn  func(ctx context.Context) error
	StopFn func()
}

// Run calls the underlying run function.
func (f *FuncComponent) Run(ctx context.Context) error { return f.RunFn(ctx) }

// Stop calls the underlying stop function, if any.
func (f *FuncComponent) Stop() {
	if f.StopFn != nil {
		f.StopFn()
	}
}

// Lifecycle runs named components for the life of a process.
// Components are started in order and stopped in reverse order.
type Lifecycle struct {
	logger     *zap.Logger
	components []namedComponent
	mu         sync.Mutex
	signals    []os.Signal
}

type namedComponent struct {
	name      string
	component Component
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named component. Components start in the order added.
//
// Precondition: name must be non-empty; c must be non-nil.
func (l *Lifecycle) Add(name string, c Component) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components = append(l.components, namedComponent{name: name, component: c})
}

// Run starts every component and blocks until a termination signal, ctx
// cancellation, or the first component failure. Components are then stopped
// in reverse order.
//
// Postcondition: All components are stopped when this method returns. The
// returned error is the first component failure, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	components := make([]namedComponent, len(l.components))
	copy(components, l.components)
	l.mu.Unlock()

	errCh := make(chan error, len(components))
	var wg sync.WaitGroup
	for _, nc := range components {
		nc := nc
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.logger.Info("starting component",
				zap.String("component", nc.name),
			)
			runStart := time.Now()
			if err := nc.component.Run(ctx); err != nil {
				l.logger.Error("component failed",
					zap.String("component", nc.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(runStart)),
				)
				errCh <- fmt.Errorf("component %s: %w", nc.name, err)
			}
		}()
	}

	l.logger.Info("all components started",
		zap.Int("count", len(components)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, l.signals...)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case runErr = <-errCh:
		l.logger.Error("component error, shutting down",
			zap.Error(runErr),
		)
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.shutdown(components)
	cancel()
	wg.Wait()

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(components []namedComponent) {
	shutdownStart := time.Now()
	for i := len(components) - 1; i >= 0; i-- {
		nc := components[i]
		stopStart := time.Now()
		l.logger.Info("stopping component",
			zap.String("component", nc.name),
		)
		nc.component.Stop()
		l.logger.Info("component stopped",
			zap.String("component", nc.name),
			zap.Duration("elapsed", time.Since(stopStart)),
		)
	}
	l.logger.Info("all components stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
