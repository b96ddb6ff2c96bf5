// protect-motion bridges UniFi Protect camera motion into Home Assistant.
//
// It polls a Protect controller for motion events, keeps one motion
// sensor per camera, and publishes those sensors over MQTT discovery.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	protect-motion serve             Run the bridge
//	protect-motion init [dir]        Write an example config
//	protect-motion sensors           List the controller's cameras
//	protect-motion detect            Run one motion detection and print it
//	protect-motion version           Print version and build information
//	protect-motion -o json sensors   Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/protect-motion/internal/accessory"
	"github.com/nugget/protect-motion/internal/bridge"
	"github.com/nugget/protect-motion/internal/buildinfo"
	"github.com/nugget/protect-motion/internal/config"
	"github.com/nugget/protect-motion/internal/connwatch"
	"github.com/nugget/protect-motion/internal/metrics"
	"github.com/nugget/protect-motion/internal/mqtt"
	"github.com/nugget/protect-motion/internal/unifi"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of code that
// tests drive.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx controls the process lifetime,
// stdout and stderr receive all output, and args is os.Args[1:].
// Arguments are parsed by hand so run can be called concurrently from
// tests without the flag package's globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "sensors":
		return runSensors(ctx, stdout, stderr, configPath, outputFmt)
	case "detect":
		return runDetect(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "protect-motion - UniFi Protect motion sensors for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: protect-motion [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the bridge")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  sensors      List the controller's cameras")
	fmt.Fprintln(w, "  detect       Run one motion detection and print the result")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe runs the bridge until ctx is cancelled or the process gets
// SIGINT/SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting protect-motion", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"controller", cfg.Controller.URL,
		"motion_score", cfg.Controller.MotionScore,
		"poll_interval", cfg.Controller.PollInterval(),
		"refresh_interval", cfg.Controller.RefreshInterval(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	// The accessory cache and the MQTT instance id live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "accessories.db")
	store, err := accessory.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open accessory cache %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("accessory cache opened", "path", dbPath)

	// --- Metrics ---
	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New()
	}

	flows := newFlows(cfg, logger, m)
	connMgr := connwatch.NewManager(logger)

	bridgeCfg := bridge.Config{
		Flows:  flows,
		Cache:  store,
		Logger: logger,
	}
	if m != nil {
		bridgeCfg.Metrics = m
	}

	// --- MQTT publisher ---
	// Optional: without a broker the bridge still polls, caches and
	// exports metrics.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyCounter(nil), logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		bridgeCfg.Publisher = mqttPub

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"device_id", mqttPub.Device().Identifiers[0],
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	b := bridge.New(bridgeCfg)
	if err := b.Restore(ctx); err != nil {
		logger.Warn("could not restore cached accessories", "error", err)
	}

	// --- Controller ---
	// The roster refresh doubles as the controller health probe: it
	// authenticates, lists cameras and reconciles the accessories.
	backoff := connwatch.DefaultBackoffConfig()
	backoff.PollInterval = cfg.Controller.RefreshInterval()
	backoff.ProbeTimeout = 2 * time.Minute
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "controller",
		Probe:   b.Refresh,
		Backoff: backoff,
		OnReady: func() {
			logger.Info("controller reachable", "cameras", len(b.Roster()))
		},
		OnDown: func(err error) {
			logger.Warn("controller unreachable", "error", err)
		},
		Logger: logger,
	})

	if m != nil {
		m.WatchServices(connMgr)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	poller := unifi.NewPoller(unifi.PollerConfig{
		Detector:     b,
		Updater:      b,
		PollInterval: cfg.Controller.PollInterval(),
		Logger:       logger,
	})

	logger.Info("motion polling started", "interval", cfg.Controller.PollInterval())
	poller.Start(ctx)

	logger.Info("shutdown signal received")
	connMgr.Stop()

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("protect-motion stopped")
	return nil
}

// newFlows builds the controller client and the session orchestrator
// from cfg. When m is non-nil, retried controller calls are counted.
func newFlows(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *unifi.Flows {
	policy := cfg.Controller.RetryPolicy()
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Debug("controller call failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", delay.String(),
			"error", err,
		)
		if m != nil {
			m.ObserveRetry()
		}
	}

	client := unifi.NewClient(unifi.ClientConfig{
		BaseURL:      cfg.Controller.URL,
		MotionScore:  cfg.Controller.MotionScore,
		PollInterval: cfg.Controller.PollInterval(),
		Retry:        policy,
		Logger:       logger,
	})
	return unifi.NewFlows(client, cfg.Controller.Username, cfg.Controller.Password, logger)
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration. If
// explicit is non-empty, that exact path is used and must exist.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
