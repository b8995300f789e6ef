// Package reloader publishes the registry's current route snapshot to
// request handlers over a watch-style channel, so the hot request path
// never touches the filesystem.
package reloader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/portless-dev/portless/internal/registry"
)

// Interval is how often the registry file is re-read.
const Interval = 100 * time.Millisecond

// Start launches a background goroutine that re-reads the registry in dir
// every Interval and publishes the result to the returned channel. The
// channel has capacity 1: a slow reader never blocks the producer, and the
// producer drops a stale pending value in favor of the newest snapshot so
// new readers always see the most recent one. The goroutine exits when ctx
// is cancelled. Read errors are logged and yield an empty snapshot rather
// than stopping the ticker. A malformed registry file is returned by
// registry.Load as an empty snapshot with no error, so it is not logged.
func Start(ctx context.Context, dir string, logger *zap.Logger) <-chan []registry.Route {
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make(chan []registry.Route, 1)

	publish := func(routes []registry.Route) {
		select {
		case out <- routes:
		default:
			select {
			case <-out:
			default:
			}
			out <- routes
		}
	}

	go func() {
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()

		routes, err := registry.Load(dir)
		if err != nil {
			logger.Warn("initial registry load failed", zap.Error(err))
			routes = []registry.Route{}
		}
		publish(routes)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routes, err := registry.Load(dir)
				if err != nil {
					logger.Warn("registry reload failed", zap.Error(err))
					routes = []registry.Route{}
				}
				publish(routes)
			}
		}
	}()

	return out
}
