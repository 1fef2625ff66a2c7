package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tracectl/clock"
	"tracectl/config"
	"tracectl/diag"
	"tracectl/emit"
	"tracectl/facility"
	"tracectl/heartbeat"
	"tracectl/logger"
	"tracectl/output"
	"tracectl/session"
	"tracectl/snapshot"
	"tracectl/systeminfo"
	"tracectl/tracing"
	"tracectl/unit"
	"tracectl/version"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.LogLevel)

	if cfg.TraceFile != "" {
		if err := tracing.Start(cfg.TraceFile); err != nil {
			logger.Warnf("Failed to start trace: %v", err)
		} else {
			defer tracing.Stop()
		}
	}

	if cfg.TraceFlight {
		if err := tracing.StartFlightRecorder(cfg.TraceFlightMaxBytes, cfg.TraceFlightMinAge); err != nil {
			logger.Warnf("Failed to start flight recorder: %v", err)
		} else {
			defer func() {
				if err := tracing.WriteFlightRecorder(cfg.TraceFlightFile); err != nil {
					logger.Warnf("Failed to write flight recorder: %v", err)
				}
				tracing.StopFlightRecorder()
			}()
		}
	}

	logger.WithFields(map[string]interface{}{
		"version": version.Version,
		"units":   cfg.Units,
		"output":  cfg.OutputFileName,
	}).Info("tracectl starting")

	d, err := newDaemon(cfg)
	if err != nil {
		logger.Errorf("Failed to initialize: %v", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, cfg.TraceFlight, cfg.TraceFlightFile)

	if err := d.run(ctx); err != nil {
		logger.Errorf("Trace failed: %v", err)
	}
	if err := d.shutdown(); err != nil {
		logger.Warnf("Shutdown incomplete: %v", err)
	}
	logger.Info("Tracing completed.")
}

// daemon owns every component of one tracectl process.
type daemon struct {
	cfg         *config.Config
	pool        *unit.Pool
	wide        *clock.Wide
	sink        output.Sink
	emitter     *emit.Emitter
	sessions    *session.Registry
	facilities  *facility.Registry
	loaded      []facility.ID
	heartbeat   *heartbeat.Broadcaster
	coordinator *snapshot.Coordinator
	diag        *diag.Controller
	session     *session.Session
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}

	d.pool = unit.New(cfg.Units)
	d.pool.Start()

	src, err := clock.Open(cfg.ClockSource, cfg.ClockRate)
	if err != nil {
		logger.Warnf("Clock source %q unavailable: %v", cfg.ClockSource, err)
	}
	d.wide = clock.NewWide(src, clock.NewCounters(cfg.Units))

	sink, err := openSink(cfg)
	if err != nil {
		d.pool.Close()
		return nil, err
	}
	d.sink = sink

	d.sessions = session.New(d.pool)
	d.emitter = emit.New(emit.Options{Sessions: d.sessions, Clock: d.wide, Pool: d.pool})
	d.facilities = facility.New(facility.Options{
		Capacity:   cfg.FacilityCapacity,
		UserPrefix: cfg.FacilityUserPrefix,
		Sessions:   d.sessions,
		Pinner:     d.pool,
		Emitter:    d.emitter,
	})
	d.sessions.OnEmpty(d.facilities.FreeUnused)

	if _, err := d.facilities.Register(facility.CoreDefinition()); err != nil {
		d.closeAll()
		return nil, fmt.Errorf("register core facility: %w", err)
	}
	if cfg.FacilityDir != "" {
		if err := d.loadFacilities(cfg.FacilityDir); err != nil {
			d.closeAll()
			return nil, err
		}
	}

	d.heartbeat = heartbeat.New(heartbeat.Options{
		Interval: cfg.HeartbeatInterval,
		Wide:     d.wide,
		Pool:     d.pool,
		Emitter:  d.emitter,
	})

	d.coordinator = snapshot.New(snapshot.Options{
		Pool:       d.pool,
		Emitter:    d.emitter,
		Facilities: d.facilities,
		Enumerator: systeminfo.NewHost(cfg.ProcRoot),
		Phases: snapshot.Phases{
			Facilities:      cfg.SnapshotFacilities,
			Processes:       cfg.SnapshotProcesses,
			FileDescriptors: cfg.SnapshotFileDescriptors,
			MemoryMaps:      cfg.SnapshotMemoryMaps,
			Interrupts:      cfg.SnapshotInterrupts,
			Interfaces:      cfg.SnapshotInterfaces,
		},
		EventsPerSecond:   cfg.SnapshotEventsPerSecond,
		Burst:             cfg.SnapshotBurst,
		RendezvousTimeout: cfg.RendezvousTimeout,
	})

	var dumpFlight func(string) error
	if cfg.TraceFlight {
		dumpFlight = tracing.WriteFlightRecorder
	}
	d.diag = diag.NewController(diag.Options{
		StallThreshold:     cfg.DiagStallThreshold,
		Dir:                cfg.DiagDir,
		GoroutineLeak:      cfg.DiagGoroutineLeak,
		ProgressFn:         d.coordinator.Progress,
		StateFn:            func() string { return d.coordinator.State().String() },
		UnitsFn:            d.unitStates,
		DumpFlightRecorder: dumpFlight,
	})
	return d, nil
}

func (d *daemon) unitStates() []diag.UnitState {
	states := make([]diag.UnitState, 0, d.pool.Size())
	for i := 0; i < d.pool.Size(); i++ {
		u, err := d.pool.Unit(unit.ID(i))
		if err != nil {
			continue
		}
		states = append(states, diag.UnitState{
			ID:       uint16(u.ID()),
			Online:   u.Online(),
			Context:  u.Context().String(),
			Ordinary: u.Ordinary(),
		})
	}
	return states
}

func openSink(cfg *config.Config) (output.Sink, error) {
	w, err := output.NewWriter(output.WriterOptions{
		FileName:    cfg.OutputFileName,
		MaxFileSize: cfg.MaxOutputFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	host, _ := os.Hostname()
	exporter, err := output.NewOtel(output.OtelOptions{
		Endpoint:    cfg.OtelEndpoint,
		FromEnv:     cfg.OtelFromEnv,
		Headers:     cfg.OtelHeaders,
		ServiceName: cfg.OtelServiceName,
		HostName:    host,
		Timeout:     cfg.OtelTimeout,
	})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	if exporter == nil {
		return w, nil
	}
	logger.Infof("Exporting trace records to %s", exporter.Endpoint())
	return output.Fanout{w, exporter}, nil
}

// loadFacilities registers every descriptor in dir, sharing slots with
// identical live definitions.
func (d *daemon) loadFacilities(dir string) error {
	descriptors, err := facility.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load facility descriptors: %w", err)
	}
	for _, desc := range descriptors {
		def, err := desc.Definition()
		if err != nil {
			return fmt.Errorf("facility %s: %w", desc.Name, err)
		}
		if id, ok := d.facilities.Verify(def); ok {
			d.facilities.Ref(id)
			d.loaded = append(d.loaded, id)
			continue
		}
		id, err := d.facilities.Register(def)
		if err != nil {
			return fmt.Errorf("facility %s: %w", desc.Name, err)
		}
		d.loaded = append(d.loaded, id)
	}
	logger.Debugf("Loaded %d facility descriptors from %s", len(d.loaded), dir)
	return nil
}

// run starts the session, takes the snapshot and then traces until ctx is
// done or the configured duration elapses.
func (d *daemon) run(ctx context.Context) error {
	if err := d.heartbeat.Start(ctx); err != nil && !errors.Is(err, clock.ErrClockUnavailable) {
		return err
	}
	d.diag.Start(ctx)

	s, err := d.sessions.Start(d.cfg.SessionName, d.sink)
	if err != nil {
		return err
	}
	d.session = s

	if _, err := d.coordinator.Run(ctx); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	var deadline <-chan time.Time
	if d.cfg.Duration > 0 {
		timer := time.NewTimer(d.cfg.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
	case <-deadline:
	}
	return nil
}

// shutdown releases facilities, ends the session and closes the sinks.
func (d *daemon) shutdown() error {
	d.heartbeat.Stop()
	d.diag.Close()

	var errs []error
	for _, id := range d.loaded {
		if err := d.facilities.Unregister(id); err != nil {
			errs = append(errs, err)
		}
	}
	d.loaded = nil
	if err := d.sessions.StopAll(); err != nil {
		errs = append(errs, err)
	}

	emitted, dropped := d.emitter.Stats()
	fields := map[string]interface{}{
		"emitted": emitted,
		"dropped": dropped,
		"beats":   d.heartbeat.Beats(),
	}
	if d.session != nil {
		fields["session"] = d.session.ID
		fields["elapsed"] = time.Since(d.session.Started).Round(time.Millisecond).String()
	}
	logger.WithFields(fields).Info("Trace session closed")

	errs = append(errs, d.closeAll())
	return errors.Join(errs...)
}

func (d *daemon) closeAll() error {
	var err error
	if d.sink != nil {
		err = d.sink.Close()
		d.sink = nil
	}
	d.pool.Close()
	return err
}

func handleSignals(cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	handleSignalEvent(cancelFunc, traceFlight, traceFlightFile, sigChan)
}

func handleSignalEvent(cancelFunc context.CancelFunc, traceFlight bool, traceFlightFile string, sigChan <-chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Shutting down...")

	if traceFlight {
		if err := tracing.WriteFlightRecorder(traceFlightFile); err != nil {
			logger.Warnf("Failed to write flight recorder: %v", err)
		}
	}

	cancelFunc()
}
