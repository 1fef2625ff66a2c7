package diag

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeProfileWriter struct {
	content string
}

func (f fakeProfileWriter) WriteTo(w io.Writer, debug int) error {
	_, err := io.WriteString(w, f.content)
	return err
}

func TestCheckDumpsStallArtifacts(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := int64(42)
	dir := t.TempDir()

	controller := NewController(Options{
		StallThreshold: 2 * time.Second,
		Dir:            dir,
		ProgressFn:     func() int64 { return progress },
		StateFn:        func() string { return "awaiting_rendezvous" },
		UnitsFn: func() []UnitState {
			return []UnitState{
				{ID: 0, Online: true, Context: "task", Ordinary: true},
				{ID: 1, Online: true, Context: "interrupt"},
				{ID: 2, Context: "idle"},
			}
		},
		DumpFlightRecorder: func(path string) error {
			return os.WriteFile(path, []byte("flight"), 0600)
		},
		NowFn: func() time.Time { return now },
		ProfileLookupFn: func(name string) profileWriter {
			return fakeProfileWriter{content: name}
		},
	})
	controller.lastProgress = progress
	controller.lastProgressAt = now

	controller.check(now.Add(3 * time.Second))
	// A second check inside the threshold window must not dump again.
	controller.check(now.Add(4 * time.Second))
	if got := controller.Dumps(); got != 1 {
		t.Fatalf("expected one dump, got %d", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var foundStall, foundFlight, foundGoroutines bool
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "tracectl-stall-") && strings.HasSuffix(name, ".json") {
			foundStall = true
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				t.Fatalf("read stall record: %v", err)
			}
			if !strings.Contains(string(data), `"state": "awaiting_rendezvous"`) {
				t.Fatalf("stall record missing state: %s", data)
			}
			var record struct {
				Units    []UnitState `json:"units"`
				Blocking []uint16    `json:"blocking_units"`
			}
			if err := json.Unmarshal(data, &record); err != nil {
				t.Fatalf("decode stall record: %v", err)
			}
			if len(record.Units) != 3 || len(record.Blocking) != 1 || record.Blocking[0] != 1 {
				t.Fatalf("unexpected unit report: %+v", record)
			}
		}
		if strings.HasPrefix(name, "tracectl-flight-") && strings.HasSuffix(name, ".out") {
			foundFlight = true
		}
		if strings.HasPrefix(name, "tracectl-goroutine-profile-") {
			foundGoroutines = true
		}
	}
	if !foundStall {
		t.Fatal("expected stall artifact")
	}
	if !foundFlight {
		t.Fatal("expected flight recorder artifact")
	}
	if !foundGoroutines {
		t.Fatal("expected goroutine dump")
	}
}

func TestCheckIgnoresIdleAndProgress(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	progress := int64(1)
	state := "idle"
	controller := NewController(Options{
		StallThreshold: time.Second,
		Dir:            t.TempDir(),
		ProgressFn:     func() int64 { return progress },
		StateFn:        func() string { return state },
		NowFn:          func() time.Time { return now },
	})
	controller.lastProgress = progress
	controller.lastProgressAt = now

	controller.check(now.Add(5 * time.Second))
	if got := controller.Dumps(); got != 0 {
		t.Fatalf("idle coordinator must not count as stalled, got %d dumps", got)
	}

	state = "enumerating"
	progress = 2
	controller.check(now.Add(6 * time.Second))
	if got := controller.Dumps(); got != 0 {
		t.Fatalf("advancing progress must not dump, got %d", got)
	}
}

func TestStartWithoutThresholdIsNoop(t *testing.T) {
	controller := NewController(Options{ProgressFn: func() int64 { return 0 }})
	controller.Start(context.Background())
	if controller.stopCh != nil {
		t.Fatal("expected no poller without a threshold")
	}
	controller.Close()

	var nilController *Controller
	nilController.Start(context.Background())
	nilController.Close()
}

func TestWriteProfileAvailableAndUnavailable(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	controller := NewController(Options{
		Dir: dir,
		NowFn: func() time.Time {
			return now
		},
		ProfileLookupFn: func(name string) profileWriter {
			if name == "goroutine" {
				return fakeProfileWriter{content: "goroutine-profile"}
			}
			return nil
		},
	})

	path, err := controller.writeProfile("goroutine", 0)
	if err != nil {
		t.Fatalf("write available profile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written profile: %v", err)
	}
	if string(data) != "goroutine-profile" {
		t.Fatalf("unexpected profile content: %q", string(data))
	}

	if _, err := controller.writeProfile("heap-missing", 0); err == nil {
		t.Fatal("expected unavailable profile to return error")
	}
}

func TestCloseWritesGoroutineLeakProfileWhenEnabled(t *testing.T) {
	now := time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	controller := NewController(Options{
		Dir:           dir,
		GoroutineLeak: true,
		NowFn: func() time.Time {
			return now
		},
		ProfileLookupFn: func(name string) profileWriter {
			if name == "goroutine" {
				return fakeProfileWriter{content: "leak-profile"}
			}
			return nil
		},
	})

	controller.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "tracectl-goroutine-profile-*.pprof"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 goroutine profile file, got %d", len(matches))
	}
}
