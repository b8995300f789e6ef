// Command portless-launch is the thin launcher that wraps a dev-server
// command: it registers a route for the given hostname against a free
// backend port, starts (auto-starting if needed) the portless daemon,
// spawns the child with PORT/HOST injected, removes the route on exit, and
// mirrors the child's exit status.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/portless-dev/portless/internal/devproc"
	"github.com/portless-dev/portless/internal/logging"
	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/registry"
	"github.com/portless-dev/portless/internal/statedir"
)

const defaultPort = 1355

// daemonStartTimeout bounds how long the launcher waits for a freshly
// spawned daemon to answer the liveness probe.
const daemonStartTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var proxyPort int

	root := &cobra.Command{
		Use:          "portless-launch <name> -- <command> [args...]",
		Short:        "Register a <name>.localhost route and run a command behind it",
		Args:         cobra.MinimumNArgs(2),
		SilenceUsage: true,
	}
	root.Flags().IntVar(&proxyPort, "proxy-port", defaultPort, "the daemon's listening port")

	exitCode := 0
	root.RunE = func(cmd *cobra.Command, args []string) error {
		name, command := args[0], args[1:]

		if bypass() {
			code, err := runChild(command)
			exitCode = code
			return err
		}

		hostname := hostnameFor(name)
		code, err := launch(cmd.Context(), hostname, proxyPort, command)
		exitCode = code
		return err
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "portless-launch:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

// bypass reports whether PORTLESS=0 or PORTLESS=skip asked the launcher to
// run the command with no proxy involvement.
func bypass() bool {
	v := os.Getenv("PORTLESS")
	return v == "0" || v == "skip"
}

func hostnameFor(name string) string {
	return name + ".localhost"
}

func launch(ctx context.Context, hostname string, proxyPort int, command []string) (int, error) {
	logger := logging.New(os.Stderr, os.Getenv("PORTLESS_VERBOSE") != "")
	defer logger.Sync()
	log := logger.Named("launch")

	if !probe.IsRunning(ctx, proxyPort) {
		if err := autoStartDaemon(ctx, proxyPort, log); err != nil {
			return 1, fmt.Errorf("start daemon: %w", err)
		}
	}

	backendPort, err := freePort()
	if err != nil {
		return 1, fmt.Errorf("allocate backend port: %w", err)
	}

	dir, err := statedir.Resolve(proxyPort, os.Getenv("PORTLESS_STATE_DIR"))
	if err != nil {
		return 1, fmt.Errorf("resolve state directory: %w", err)
	}

	childEnv := map[string]string{
		"PORT": strconv.Itoa(backendPort),
		"HOST": "127.0.0.1",
	}

	proc, err := devproc.StartWithSignalHandler(command, "", childEnv, logger.Named("child"))
	if err != nil {
		return 1, fmt.Errorf("start child process: %w", err)
	}

	if err := registry.Add(dir, registry.Route{Hostname: hostname, Port: uint16(backendPort), PID: proc.PID}); err != nil {
		proc.Stop()
		return 1, fmt.Errorf("register route: %w", err)
	}
	defer func() {
		if err := registry.Remove(dir, hostname); err != nil {
			log.Warn("failed to remove route on exit", zap.Error(err))
		}
	}()

	log.Info("serving", zap.String("hostname", hostname), zap.Int("backend_port", backendPort))

	waitErr := <-proc.Wait
	return exitCodeFor(waitErr), nil
}

// runChild runs the command directly with no proxy involvement, for the
// PORTLESS=0/skip bypass path.
func runChild(command []string) (int, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	err := cmd.Run()
	return exitCodeFor(err), nil
}

// exitCodeFor mirrors the child's exit status: a natural exit status
// propagates verbatim, a signal-kill N is reported as 128+N.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return 128 + int(status.Signal())
		}
		return status.ExitStatus()
	}
	return 1
}

// freePort asks the kernel for an unused loopback port. Deterministic,
// name-derived port assignment is an out-of-scope launcher concern; this
// is the minimal stand-in.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// autoStartDaemon spawns portlessd in the background and polls the
// liveness probe until it answers or daemonStartTimeout elapses.
func autoStartDaemon(ctx context.Context, proxyPort int, log *zap.Logger) error {
	exe, err := exec.LookPath("portlessd")
	if err != nil {
		return fmt.Errorf("locate portlessd binary: %w", err)
	}

	cmd := exec.Command(exe, "run", "--port", strconv.Itoa(proxyPort))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn portlessd: %w", err)
	}
	log.Info("spawned portless daemon", zap.Int("pid", cmd.Process.Pid))

	deadline := time.Now().Add(daemonStartTimeout)
	for time.Now().Before(deadline) {
		if probe.IsRunning(ctx, proxyPort) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become live within %s", daemonStartTimeout)
}
