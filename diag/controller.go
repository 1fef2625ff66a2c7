// Package diag watches snapshot progress and dumps diagnostics when a
// snapshot stops advancing, typically because a unit never reaches an
// ordinary context and the rendezvous cannot finish.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"tracectl/logger"
)

type profileWriter interface {
	WriteTo(w io.Writer, debug int) error
}

// UnitState is one execution unit as seen in a stall report.
type UnitState struct {
	ID       uint16 `json:"id"`
	Online   bool   `json:"online"`
	Context  string `json:"context"`
	Ordinary bool   `json:"ordinary"`
}

type Options struct {
	StallThreshold     time.Duration
	Dir                string
	GoroutineLeak      bool
	ProgressFn         func() int64
	StateFn            func() string
	UnitsFn            func() []UnitState
	DumpFlightRecorder func(path string) error
	NowFn              func() time.Time
	ProfileLookupFn    func(name string) profileWriter
}

type Controller struct {
	stallThreshold     time.Duration
	dir                string
	goroutineLeak      bool
	progressFn         func() int64
	stateFn            func() string
	unitsFn            func() []UnitState
	dumpFlightRecorder func(path string) error
	nowFn              func() time.Time
	profileLookupFn    func(name string) profileWriter

	mu             sync.Mutex
	lastProgressAt time.Time
	lastProgress   int64
	lastDumpAt     time.Time
	dumps          int

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewController(opts Options) *Controller {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	profileLookup := opts.ProfileLookupFn
	if profileLookup == nil {
		profileLookup = func(name string) profileWriter {
			return pprof.Lookup(name)
		}
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}

	return &Controller{
		stallThreshold:     opts.StallThreshold,
		dir:                dir,
		goroutineLeak:      opts.GoroutineLeak,
		progressFn:         opts.ProgressFn,
		stateFn:            opts.StateFn,
		unitsFn:            opts.UnitsFn,
		dumpFlightRecorder: opts.DumpFlightRecorder,
		nowFn:              nowFn,
		profileLookupFn:    profileLookup,
	}
}

// Start polls progress at half the stall threshold. It is a no-op without
// a threshold or progress source, or when already started.
func (c *Controller) Start(ctx context.Context) {
	if c == nil || c.stallThreshold <= 0 || c.progressFn == nil || c.stopCh != nil {
		return
	}

	now := c.nowFn()
	c.mu.Lock()
	c.lastProgress = c.progressFn()
	c.lastProgressAt = now
	c.lastDumpAt = time.Time{}
	c.mu.Unlock()

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	interval := c.stallThreshold / 2
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if interval > 2*time.Second {
		interval = 2 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(c.doneCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.check(c.nowFn())
			}
		}
	}()
}

func (c *Controller) Close() {
	if c == nil {
		return
	}
	if c.stopCh != nil {
		close(c.stopCh)
		if c.doneCh != nil {
			<-c.doneCh
		}
		c.stopCh = nil
		c.doneCh = nil
	}

	if c.goroutineLeak {
		if _, err := c.writeProfile("goroutine", 2); err != nil {
			logger.Warnf("Diagnostics goroutine profile dump failed: %v", err)
		}
	}
}

// Dumps returns how many stall dumps were written.
func (c *Controller) Dumps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dumps
}

func (c *Controller) state() string {
	if c.stateFn == nil {
		return ""
	}
	return c.stateFn()
}

func (c *Controller) check(now time.Time) {
	if c == nil || c.progressFn == nil || c.stallThreshold <= 0 {
		return
	}

	progress := c.progressFn()
	state := c.state()

	c.mu.Lock()
	if progress != c.lastProgress || state == "idle" {
		c.lastProgress = progress
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	if c.lastProgressAt.IsZero() {
		c.lastProgressAt = now
		c.mu.Unlock()
		return
	}
	stalledFor := now.Sub(c.lastProgressAt)
	shouldDump := stalledFor >= c.stallThreshold &&
		(c.lastDumpAt.IsZero() || now.Sub(c.lastDumpAt) >= c.stallThreshold)
	if shouldDump {
		c.lastDumpAt = now
		c.dumps++
	}
	c.mu.Unlock()

	if shouldDump {
		logger.WithFields(map[string]interface{}{
			"state":      state,
			"progress":   progress,
			"stalled_ms": stalledFor.Milliseconds(),
		}).Warn("Snapshot stalled")
		if err := c.dumpStall(now, progress, state, stalledFor); err != nil {
			logger.Warnf("Diagnostics stall dump failed: %v", err)
		}
	}
}

func (c *Controller) dumpStall(now time.Time, progress int64, state string, stalledFor time.Duration) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	ts := now.UTC().Format("20060102-150405.000")
	eventPath := filepath.Join(c.dir, fmt.Sprintf("tracectl-stall-%s.json", ts))
	record := map[string]interface{}{
		"event":               "snapshot_stalled",
		"timestamp":           now.UTC().Format(time.RFC3339Nano),
		"state":               state,
		"progress":            progress,
		"threshold_ms":        c.stallThreshold.Milliseconds(),
		"observed_stalled_ms": stalledFor.Milliseconds(),
	}
	if c.unitsFn != nil {
		units := c.unitsFn()
		var blocking []uint16
		for _, u := range units {
			if u.Online && !u.Ordinary {
				blocking = append(blocking, u.ID)
			}
		}
		record["units"] = units
		record["blocking_units"] = blocking
	}
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(eventPath, b, 0600); err != nil {
		return err
	}

	if _, err := c.writeProfile("goroutine", 2); err != nil {
		logger.Debugf("Diagnostics goroutine dump skipped: %v", err)
	}
	if c.dumpFlightRecorder != nil {
		tracePath := filepath.Join(c.dir, fmt.Sprintf("tracectl-flight-%s.out", ts))
		if err := c.dumpFlightRecorder(tracePath); err != nil {
			logger.Warnf("Diagnostics flight recorder dump failed: %v", err)
		}
	}
	return nil
}

func (c *Controller) writeProfile(name string, debug int) (string, error) {
	if c == nil {
		return "", fmt.Errorf("diagnostics controller is nil")
	}
	if c.profileLookupFn == nil {
		return "", fmt.Errorf("profile lookup function is nil")
	}
	profile := c.profileLookupFn(name)
	if profile == nil {
		return "", fmt.Errorf("pprof profile %q unavailable", name)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", err
	}
	ts := c.nowFn().UTC().Format("20060102-150405.000")
	path := filepath.Join(c.dir, fmt.Sprintf("tracectl-%s-profile-%s.pprof", name, ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := profile.WriteTo(f, debug); err != nil {
		return "", err
	}
	return path, nil
}
