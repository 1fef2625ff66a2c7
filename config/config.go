package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"tracectl/clock"
	"tracectl/version"

	"github.com/shirou/gopsutil/v4/cpu"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string `json:"log_level" yaml:"log_level"`
	ConfigFile string `json:"config_file" yaml:"config_file"`

	Units int `json:"units" yaml:"units"`

	FacilityCapacity   int    `json:"facility_capacity" yaml:"facility_capacity"`
	FacilityUserPrefix string `json:"facility_user_prefix" yaml:"facility_user_prefix"`
	FacilityDir        string `json:"facility_dir" yaml:"facility_dir"`

	ClockSource       string        `json:"clock_source" yaml:"clock_source"`
	ClockRate         uint64        `json:"clock_rate" yaml:"clock_rate"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	SessionName string        `json:"session_name" yaml:"session_name"`
	Duration    time.Duration `json:"duration" yaml:"duration"`

	SnapshotFacilities      bool          `json:"snapshot_facilities" yaml:"snapshot_facilities"`
	SnapshotProcesses       bool          `json:"snapshot_processes" yaml:"snapshot_processes"`
	SnapshotFileDescriptors bool          `json:"snapshot_file_descriptors" yaml:"snapshot_file_descriptors"`
	SnapshotMemoryMaps      bool          `json:"snapshot_memory_maps" yaml:"snapshot_memory_maps"`
	SnapshotInterrupts      bool          `json:"snapshot_interrupts" yaml:"snapshot_interrupts"`
	SnapshotInterfaces      bool          `json:"snapshot_interfaces" yaml:"snapshot_interfaces"`
	ProcRoot                string        `json:"proc_root" yaml:"proc_root"`
	SnapshotEventsPerSecond float64       `json:"snapshot_events_per_second" yaml:"snapshot_events_per_second"`
	SnapshotBurst           int           `json:"snapshot_burst" yaml:"snapshot_burst"`
	RendezvousTimeout       time.Duration `json:"rendezvous_timeout" yaml:"rendezvous_timeout"`

	OutputFileName    string `json:"output_file_name" yaml:"output_file_name"`
	MaxOutputFileSize int64  `json:"max_output_file_size" yaml:"max_output_file_size"`

	OtelEndpoint    string            `json:"otel_endpoint" yaml:"otel_endpoint"`
	OtelFromEnv     bool              `json:"otel_from_env" yaml:"otel_from_env"`
	OtelHeaders     map[string]string `json:"otel_headers" yaml:"otel_headers"`
	OtelServiceName string            `json:"otel_service_name" yaml:"otel_service_name"`
	OtelTimeout     time.Duration     `json:"otel_timeout" yaml:"otel_timeout"`

	DiagStallThreshold time.Duration `json:"diag_stall_threshold" yaml:"diag_stall_threshold"`
	DiagDir            string        `json:"diag_dir" yaml:"diag_dir"`
	DiagGoroutineLeak  bool          `json:"diag_goroutine_leak" yaml:"diag_goroutine_leak"`

	TraceFile           string        `json:"trace_file" yaml:"trace_file"`
	TraceFlight         bool          `json:"trace_flight" yaml:"trace_flight"`
	TraceFlightFile     string        `json:"trace_flight_file" yaml:"trace_flight_file"`
	TraceFlightMaxBytes uint64        `json:"trace_flight_max_bytes" yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge   time.Duration `json:"trace_flight_min_age" yaml:"trace_flight_min_age"`
}

const (
	DefaultClockRate        = 1_000_000_000
	DefaultFacilityCapacity = 256
)

// DefaultUnits is the number of logical CPUs, or GOMAXPROCS' view of it
// when gopsutil cannot tell.
func DefaultUnits() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func defaults() *Config {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	return &Config{
		LogLevel:                "info",
		Units:                   DefaultUnits(),
		FacilityCapacity:        DefaultFacilityCapacity,
		FacilityUserPrefix:      "user_",
		ClockSource:             "monotonic",
		ClockRate:               DefaultClockRate,
		SessionName:             "default",
		SnapshotFacilities:      true,
		SnapshotProcesses:       true,
		SnapshotFileDescriptors: true,
		SnapshotMemoryMaps:      true,
		SnapshotInterrupts:      true,
		SnapshotInterfaces:      true,
		ProcRoot:                "/proc",
		OutputFileName:          fmt.Sprintf("tracectl-%s-%d.ndjson", timestamp, now.Unix()),
		MaxOutputFileSize:       104857600,
		OtelHeaders:             map[string]string{},
		OtelServiceName:         "tracectl",
		OtelTimeout:             5 * time.Second,
		DiagDir:                 ".",
		TraceFlightFile:         "trace-flight.out",
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaults()

	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	configFile := flag.String("config", "", "Path to JSON or YAML configuration file (default: none).")
	units := flag.Int("units", cfg.Units, fmt.Sprintf("Number of execution units (default: %d, the logical CPU count).", cfg.Units))
	facilityCapacity := flag.Int("facility-capacity", cfg.FacilityCapacity, fmt.Sprintf("Facility table size (default: %d).", cfg.FacilityCapacity))
	facilityPrefix := flag.String("facility-user-prefix", cfg.FacilityUserPrefix, fmt.Sprintf("Required name prefix of user facilities (default: %s).", cfg.FacilityUserPrefix))
	facilityDir := flag.String("facility-dir", cfg.FacilityDir, "Directory of facility descriptors (.yaml, .yml, .json) to register at start (default: none).")
	clockSource := flag.String("clock-source", cfg.ClockSource, "Narrow counter source: monotonic or none (default: monotonic).")
	clockRate := flag.Uint64("clock-rate", cfg.ClockRate, fmt.Sprintf("Narrow counter tick rate in Hz (default: %d).", cfg.ClockRate))
	heartbeat := flag.Duration("heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat period; 0 picks half the counter wrap period (default: 0).")
	sessionName := flag.String("session", cfg.SessionName, fmt.Sprintf("Trace session name (default: %s).", cfg.SessionName))
	duration := flag.Duration("duration", cfg.Duration, "Stop tracing after this long; 0 runs until interrupted (default: 0).")
	snapFacilities := flag.Bool("snapshot-facilities", cfg.SnapshotFacilities, fmt.Sprintf("Replay loaded facilities in the snapshot (default: %t).", cfg.SnapshotFacilities))
	snapProcesses := flag.Bool("snapshot-processes", cfg.SnapshotProcesses, fmt.Sprintf("Record process states in the snapshot (default: %t).", cfg.SnapshotProcesses))
	snapFDs := flag.Bool("snapshot-fds", cfg.SnapshotFileDescriptors, fmt.Sprintf("Record open file descriptors in the snapshot (default: %t).", cfg.SnapshotFileDescriptors))
	snapMaps := flag.Bool("snapshot-maps", cfg.SnapshotMemoryMaps, fmt.Sprintf("Record memory maps in the snapshot (default: %t).", cfg.SnapshotMemoryMaps))
	snapIRQs := flag.Bool("snapshot-interrupts", cfg.SnapshotInterrupts, fmt.Sprintf("Record the interrupt table in the snapshot (default: %t).", cfg.SnapshotInterrupts))
	snapIfaces := flag.Bool("snapshot-interfaces", cfg.SnapshotInterfaces, fmt.Sprintf("Record network interfaces in the snapshot (default: %t).", cfg.SnapshotInterfaces))
	procRoot := flag.String("proc-root", cfg.ProcRoot, fmt.Sprintf("procfs mount point (default: %s).", cfg.ProcRoot))
	eventsPerSecond := flag.Float64("snapshot-events-per-second", cfg.SnapshotEventsPerSecond, "Snapshot emission limit; 0 is unlimited (default: 0).")
	burst := flag.Int("snapshot-burst", cfg.SnapshotBurst, "Snapshot emission burst; 0 matches the rate (default: 0).")
	rendezvousTimeout := flag.Duration("rendezvous-timeout", cfg.RendezvousTimeout, "Give up waiting for execution units after this long; 0 waits forever (default: 0).")
	output := flag.String("output", cfg.OutputFileName, "Output file name (default: tracectl-<timestamp>-<unix>.ndjson).")
	maxOutputFileSize := flag.Int64("max-output-file-size", cfg.MaxOutputFileSize, fmt.Sprintf("Maximum output file size before rotation in bytes (default: %d).", cfg.MaxOutputFileSize))
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, fmt.Sprintf("OTEL service name for export (default: %s).", cfg.OtelServiceName))
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	diagStall := flag.Duration("diag-stall-threshold", cfg.DiagStallThreshold, "If positive, emit diagnostics when a snapshot stalls for this duration (default: 0/off).")
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool("diag-goroutine-leak", cfg.DiagGoroutineLeak, "Write goroutine leak profile on shutdown (default: false).")
	traceFile := flag.String("trace-file", cfg.TraceFile, "Runtime trace output when built with -tags trace (default: none).")
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("tracectl version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "units":
			cfg.Units = *units
		case "facility-capacity":
			cfg.FacilityCapacity = *facilityCapacity
		case "facility-user-prefix":
			cfg.FacilityUserPrefix = *facilityPrefix
		case "facility-dir":
			cfg.FacilityDir = *facilityDir
		case "clock-source":
			cfg.ClockSource = *clockSource
		case "clock-rate":
			cfg.ClockRate = *clockRate
		case "heartbeat-interval":
			cfg.HeartbeatInterval = *heartbeat
		case "session":
			cfg.SessionName = *sessionName
		case "duration":
			cfg.Duration = *duration
		case "snapshot-facilities":
			cfg.SnapshotFacilities = *snapFacilities
		case "snapshot-processes":
			cfg.SnapshotProcesses = *snapProcesses
		case "snapshot-fds":
			cfg.SnapshotFileDescriptors = *snapFDs
		case "snapshot-maps":
			cfg.SnapshotMemoryMaps = *snapMaps
		case "snapshot-interrupts":
			cfg.SnapshotInterrupts = *snapIRQs
		case "snapshot-interfaces":
			cfg.SnapshotInterfaces = *snapIfaces
		case "proc-root":
			cfg.ProcRoot = *procRoot
		case "snapshot-events-per-second":
			cfg.SnapshotEventsPerSecond = *eventsPerSecond
		case "snapshot-burst":
			cfg.SnapshotBurst = *burst
		case "rendezvous-timeout":
			cfg.RendezvousTimeout = *rendezvousTimeout
		case "output":
			cfg.OutputFileName = *output
		case "max-output-file-size":
			cfg.MaxOutputFileSize = *maxOutputFileSize
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = *otelServiceName
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "diag-stall-threshold":
			cfg.DiagStallThreshold = *diagStall
		case "diag-dir":
			cfg.DiagDir = *diagDir
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "trace-file":
			cfg.TraceFile = *traceFile
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func displayHelp() {
	fmt.Println("tracectl - trace instrumentation control plane")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tracectl [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  tracectl --duration 30s --output trace.ndjson")
	fmt.Println("  tracectl --units 4 --heartbeat-interval 1s --snapshot-maps=false")
	fmt.Println("  tracectl --config tracectl.yaml --otel-endpoint https://collector:4318/v1/logs")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("invalid config file format: %w", err)
	}
	return nil
}

func (cfg *Config) normalize() {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.ClockSource = strings.ToLower(strings.TrimSpace(cfg.ClockSource))
	if cfg.ClockSource == "" {
		cfg.ClockSource = "monotonic"
	}
	if cfg.FacilityUserPrefix == "" {
		cfg.FacilityUserPrefix = "user_"
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.DiagDir == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	if cfg.OtelHeaders == nil {
		cfg.OtelHeaders = map[string]string{}
	}
}

func (cfg *Config) validate() error {
	if cfg.Units <= 0 {
		return fmt.Errorf("units must be positive")
	}
	if cfg.Units > 1<<16 {
		return fmt.Errorf("units must not exceed %d", 1<<16)
	}
	if cfg.FacilityCapacity < 2 || cfg.FacilityCapacity > 1<<16 {
		return fmt.Errorf("facility-capacity must be between 2 and %d", 1<<16)
	}
	if cfg.ClockSource != "monotonic" && cfg.ClockSource != "none" {
		return fmt.Errorf("invalid clock source: %s", cfg.ClockSource)
	}
	if cfg.ClockRate == 0 {
		return fmt.Errorf("clock-rate must be positive")
	}
	if cfg.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat-interval must be zero or positive")
	}
	if limit := clock.WrapPeriodForRate(cfg.ClockRate) / 2; cfg.HeartbeatInterval > limit {
		return fmt.Errorf("heartbeat-interval %s exceeds half the counter wrap period (%s)", cfg.HeartbeatInterval, limit)
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("duration must be zero or positive")
	}
	if strings.TrimSpace(cfg.SessionName) == "" {
		return fmt.Errorf("session name must not be empty")
	}
	if cfg.SnapshotEventsPerSecond < 0 {
		return fmt.Errorf("snapshot-events-per-second must be zero or positive")
	}
	if cfg.SnapshotBurst < 0 {
		return fmt.Errorf("snapshot-burst must be zero or positive")
	}
	if cfg.RendezvousTimeout < 0 {
		return fmt.Errorf("rendezvous-timeout must be zero or positive")
	}
	if strings.TrimSpace(cfg.OutputFileName) == "" {
		return fmt.Errorf("output file name must not be empty")
	}
	if cfg.MaxOutputFileSize < 0 {
		return fmt.Errorf("max-output-file-size must be zero or positive")
	}
	if cfg.DiagStallThreshold < 0 {
		return fmt.Errorf("diag-stall-threshold must be zero or positive")
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	return nil
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	items := strings.Split(input, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
