package daemon

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/portless-dev/portless/internal/probe"
	"github.com/portless-dev/portless/internal/registry"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)
	return port
}

func TestDaemon_IdleShutdownAfterGrace(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)

	d := New(Config{
		StateDir:    tmpDir,
		Port:        port,
		GracePeriod: 50 * time.Millisecond,
		IdleTimeout: 50 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not idle-shutdown in time")
	}

	if _, err := os.Stat(tmpDir + "/" + PidFileName); !os.IsNotExist(err) {
		t.Error("pid file should be removed after idle shutdown")
	}
}

func TestDaemon_GracePeriodPreventsEarlyShutdown(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)

	d := New(Config{
		StateDir:    tmpDir,
		Port:        port,
		GracePeriod: 2 * time.Second,
		IdleTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case <-done:
		t.Fatal("daemon exited during the grace period despite an empty registry")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit after context cancellation")
	}
}

func TestDaemon_NonEmptyRegistryCancelsIdleDeadline(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)

	d := New(Config{
		StateDir:    tmpDir,
		Port:        port,
		GracePeriod: 20 * time.Millisecond,
		IdleTimeout: 300 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	if err := registry.Add(tmpDir, registry.Route{Hostname: "app.localhost", Port: 4000, PID: os.Getpid()}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	select {
	case <-done:
		t.Fatal("daemon exited despite a non-empty registry")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestDaemon_ServesSentinelHeader(t *testing.T) {
	tmpDir := t.TempDir()
	port := freePort(t)

	d := New(Config{
		StateDir:    tmpDir,
		Port:        port,
		GracePeriod: 5 * time.Second,
		IdleTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if probe.IsRunning(context.Background(), port) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("daemon never became live per the liveness probe")
}

func TestStop_NoPidFile(t *testing.T) {
	tmpDir := t.TempDir()
	if err := Stop(tmpDir); err != nil {
		t.Errorf("Stop() with no pid file should be a no-op, got: %v", err)
	}
}

func TestStop_StaleDeadPid(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(tmpDir+"/"+PidFileName, []byte("999999"), 0644); err != nil {
		t.Fatalf("failed to seed pid file: %v", err)
	}

	if err := Stop(tmpDir); err != nil {
		t.Errorf("Stop() with a dead pid should be a silent no-op, got: %v", err)
	}
}
