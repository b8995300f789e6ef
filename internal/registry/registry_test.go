package registry

import (
	"fmt"
	"os"
	"sync"
	"testing"
)

func TestLoad_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() on missing file failed: %v", err)
	}
	if len(routes) != 0 {
		t.Errorf("Load() on missing file = %v, want empty", routes)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(tmpDir+"/"+FileName, []byte("not json"), 0644); err != nil {
		t.Fatalf("failed to seed malformed file: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() on malformed file failed: %v", err)
	}
	if len(routes) != 0 {
		t.Errorf("Load() on malformed file = %v, want empty", routes)
	}
}

func TestAdd_And_Load(t *testing.T) {
	tmpDir := t.TempDir()
	r := Route{Hostname: "api.localhost", Port: 4000, PID: os.Getpid()}

	if err := Add(tmpDir, r); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 1 || routes[0] != r {
		t.Errorf("Load() = %v, want [%v]", routes, r)
	}
}

func TestAdd_ReplacesSameHostname(t *testing.T) {
	tmpDir := t.TempDir()
	hostname := "web.localhost"

	if err := Add(tmpDir, Route{Hostname: hostname, Port: 3000, PID: os.Getpid()}); err != nil {
		t.Fatalf("first Add() failed: %v", err)
	}
	if err := Add(tmpDir, Route{Hostname: hostname, Port: 3001, PID: os.Getpid()}); err != nil {
		t.Fatalf("second Add() failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("Load() returned %d routes, want 1", len(routes))
	}
	if routes[0].Port != 3001 {
		t.Errorf("Load()[0].Port = %d, want 3001 (re-registration should replace)", routes[0].Port)
	}
}

func TestLoad_DropsDeadProcesses(t *testing.T) {
	tmpDir := t.TempDir()

	if err := Add(tmpDir, Route{Hostname: "dead.localhost", Port: 4001, PID: 999999}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := Add(tmpDir, Route{Hostname: "live.localhost", Port: 4002, PID: os.Getpid()}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 1 || routes[0].Hostname != "live.localhost" {
		t.Errorf("Load() = %v, want only live.localhost", routes)
	}
}

func TestRemove_ExistingHostname(t *testing.T) {
	tmpDir := t.TempDir()
	if err := Add(tmpDir, Route{Hostname: "gone.localhost", Port: 4003, PID: os.Getpid()}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if err := Remove(tmpDir, "gone.localhost"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 0 {
		t.Errorf("Load() after Remove() = %v, want empty", routes)
	}
}

func TestRemove_NonexistentHostname(t *testing.T) {
	tmpDir := t.TempDir()

	if err := Remove(tmpDir, "never-existed.localhost"); err != nil {
		t.Errorf("Remove() of nonexistent hostname should be a no-op, got: %v", err)
	}
}

func TestAdd_ConcurrentDisjointHostnames(t *testing.T) {
	tmpDir := t.TempDir()
	const writers = 2
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r := Route{
					Hostname: fmt.Sprintf("w%d-%d.localhost", w, i),
					Port:     uint16(10000 + w*perWriter + i),
					PID:      os.Getpid(),
				}
				if err := Add(tmpDir, r); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Add() failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != writers*perWriter {
		t.Fatalf("Load() returned %d routes, want %d", len(routes), writers*perWriter)
	}
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if seen[r.Hostname] {
			t.Errorf("duplicate hostname %s in registry", r.Hostname)
		}
		seen[r.Hostname] = true
	}
}

func TestAdd_OverwritesStaleEntry(t *testing.T) {
	tmpDir := t.TempDir()
	hostname := "stale.localhost"

	if err := Add(tmpDir, Route{Hostname: hostname, Port: 4100, PID: 2147483647}); err != nil {
		t.Fatalf("Add() of stale route failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("Load() = %v, want the stale entry filtered out", routes)
	}

	if err := Add(tmpDir, Route{Hostname: hostname, Port: 4101, PID: os.Getpid()}); err != nil {
		t.Fatalf("Add() over stale entry failed: %v", err)
	}
	routes, err = Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 1 || routes[0].Port != 4101 {
		t.Errorf("Load() = %v, want the fresh entry only", routes)
	}
}

func TestAdd_PreservesOtherHostnames(t *testing.T) {
	tmpDir := t.TempDir()
	if err := Add(tmpDir, Route{Hostname: "a.localhost", Port: 5000, PID: os.Getpid()}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := Add(tmpDir, Route{Hostname: "b.localhost", Port: 5001, PID: os.Getpid()}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	routes, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(routes) != 2 {
		t.Errorf("Load() returned %d routes, want 2", len(routes))
	}
}
