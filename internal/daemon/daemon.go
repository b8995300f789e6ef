// Package daemon implements the long-lived reverse-proxy process: it owns
// the HTTP listener, the route reloader, the pid/port/log metadata files,
// and the grace-period-then-idle-shutdown lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/proxy"
	"github.com/portless-dev/portless/internal/registry"
	"github.com/portless-dev/portless/internal/reloader"
)

// PidFileName, PortFileName, and LogFileName are the daemon's metadata
// files, colocated with the registry under the resolved state directory.
const (
	PidFileName  = "proxy.pid"
	PortFileName = "proxy.port"
	LogFileName  = "proxy.log"
)

// Default lifecycle timings. The grace period prevents a freshly started
// daemon from exiting before its first launcher has registered a route.
const (
	GracePeriod = 10 * time.Second
	IdleTimeout = 5 * time.Second
)

// Config configures a Daemon. Tests inject short GracePeriod/IdleTimeout
// values; production uses the package defaults.
type Config struct {
	StateDir    string
	Port        int
	GracePeriod time.Duration
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Daemon is one running instance of the reverse-proxy process.
type Daemon struct {
	cfg      Config
	snapshot atomic.Value // holds proxy.Snapshot
}

// New constructs a Daemon from cfg, filling in default timings and a no-op
// logger when unset.
func New(cfg Config) *Daemon {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = GracePeriod
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = IdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	d := &Daemon{cfg: cfg}
	d.snapshot.Store(proxy.Snapshot{})
	return d
}

// Start runs the daemon until ctx is cancelled, a SIGINT/SIGTERM arrives, or
// the idle-shutdown deadline fires with an empty route table. It writes the
// pid and port files on successful bind and removes them (best effort) on
// exit. Start returns a non-nil error only for startup failures (port in
// use, permission denied) or unexpected task failure; idle shutdown and
// signal-driven shutdown both return nil.
func (d *Daemon) Start(ctx context.Context) error {
	log := d.cfg.Logger.Named("daemon")

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(d.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if d.bindLoserIsAnotherDaemon(ctx) {
			log.Info("another portless daemon already owns this port, exiting cleanly")
			return nil
		}
		return fmt.Errorf("daemon: listen on %s: %w", addr, err)
	}

	if err := d.writeMetadata(ln); err != nil {
		ln.Close()
		return err
	}
	defer d.removeMetadata(log)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(signalCtx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)

	handler := &proxy.Handler{
		Snapshot:   func() proxy.Snapshot { return d.snapshot.Load().(proxy.Snapshot) },
		Logger:     d.cfg.Logger.Named("proxy"),
		ListenPort: d.cfg.Port,
	}
	httpServer := &http.Server{Handler: handler}

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: http server: %w", err)
		}
		return nil
	})

	routeCh := reloader.Start(gctx, d.cfg.StateDir, d.cfg.Logger.Named("reloader"))
	g.Go(func() error {
		// Single consumer of routeCh: it both keeps the handler's snapshot
		// current and drives the idle-shutdown state machine, since the
		// reloader's channel is single-producer/single-consumer by design.
		d.runSnapshotAndIdleWatch(gctx, routeCh, log, cancelRun)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// runSnapshotAndIdleWatch implements the idle-shutdown rule: an
// unconditional grace period, then a deadline armed on any empty snapshot
// and cancelled on any non-empty one. It also publishes every snapshot for
// the handler's hot path. Firing the deadline invokes cancelRun, which
// tears down the whole daemon through gctx.
func (d *Daemon) runSnapshotAndIdleWatch(ctx context.Context, routeCh <-chan []registry.Route, log *zap.Logger, cancelRun context.CancelFunc) {
	graceTimer := time.NewTimer(d.cfg.GracePeriod)
	defer graceTimer.Stop()

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	inGrace := true

	stopIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
			idleCh = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-graceTimer.C:
			inGrace = false
		case routes, ok := <-routeCh:
			if !ok {
				return
			}
			d.snapshot.Store(proxy.Snapshot(routes))

			if inGrace {
				continue
			}
			if len(routes) == 0 {
				if idleTimer == nil {
					idleTimer = time.NewTimer(d.cfg.IdleTimeout)
					idleCh = idleTimer.C
				}
			} else {
				stopIdle()
			}
		case <-idleCh:
			log.Info("idle timeout reached with no registered routes, shutting down")
			cancelRun()
			return
		}
	}
}

// bindLoserIsAnotherDaemon probes the configured port after a failed
// net.Listen to distinguish "another portless daemon already holds this
// port" (exit cleanly) from "something else, or a stale bind" (error).
func (d *Daemon) bindLoserIsAnotherDaemon(ctx context.Context) bool {
	return probe.IsRunning(ctx, d.cfg.Port)
}

func (d *Daemon) writeMetadata(ln net.Listener) error {
	pidPath := filepath.Join(d.cfg.StateDir, PidFileName)
	portPath := filepath.Join(d.cfg.StateDir, PortFileName)

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	if err := os.WriteFile(portPath, []byte(portStr), 0644); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("daemon: write port file: %w", err)
	}
	return nil
}

// removeMetadata cleans up the pid and port files best-effort, aggregating
// any errors instead of discarding all but the first.
func (d *Daemon) removeMetadata(log *zap.Logger) {
	var errs error
	if err := removeIfExists(filepath.Join(d.cfg.StateDir, PidFileName)); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := removeIfExists(filepath.Join(d.cfg.StateDir, PortFileName)); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		log.Warn("cleanup on shutdown had errors", zap.Error(errs))
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Stop reads the pid file in stateDir, sends SIGTERM, and waits up to three
// seconds for the process to exit; it returns nil once the process is gone
// or the wait elapses. A stale pid file (process already dead) is cleaned
// up silently rather than reported as an error.
func Stop(stateDir string) error {
	pidPath := filepath.Join(stateDir, PidFileName)
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("daemon: read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("daemon: parse pid file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || err == syscall.ESRCH {
			os.Remove(pidPath)
			return nil
		}
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
