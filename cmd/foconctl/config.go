package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	port            string
	baud            int
	stationID       int
	flowControl     bool
	readTimeout     time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	monitorAddr     string
	monitorBuffer   int
	monitorPolicy   string
	handshakeTO     time.Duration
	mdnsEnable      bool
	mdnsName        string
	pollIDs         string
	pollInterval    time.Duration
	taskStatsIDs    string
	taskStatsEvery  time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	port := flag.String("port", "/dev/ttyUSB0", "RS-485 serial device path")
	baud := flag.Int("baud", 57600, "Serial baud rate")
	stationID := flag.Int("station-id", 0, "This host's own bus address (0..15)")
	flowControl := flag.Bool("flow-control", true, "Use hardware RTS/CTS flow control instead of manual RTS toggling")
	readTimeout := flag.Duration("read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	monitorAddr := flag.String("monitor-addr", "", "Diagnostic monitor TCP listen address (e.g., :20100); empty disables")
	monitorBuffer := flag.Int("monitor-buffer", 256, "Per-client monitor buffer (tapped frames)")
	monitorPolicy := flag.String("monitor-policy", "drop", "Monitor backpressure policy: drop|kick")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Monitor client handshake timeout")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the monitor port")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default foconctl-<hostname>)")
	pollIDs := flag.String("poll-ids", "", "Comma-separated bus IDs (0..15) to poll for boot info; empty disables polling")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "Interval between boot-info polls of --poll-ids")
	taskStatsIDs := flag.String("task-stats-ids", "", "Comma-separated display bus IDs (0..15) to poll for task statistics; empty disables")
	taskStatsEvery := flag.Duration("task-stats-interval", 30*time.Second, "Interval between task-statistics dumps of --task-stats-ids")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.port = *port
	cfg.baud = *baud
	cfg.stationID = *stationID
	cfg.flowControl = *flowControl
	cfg.readTimeout = *readTimeout
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.monitorAddr = *monitorAddr
	cfg.monitorBuffer = *monitorBuffer
	cfg.monitorPolicy = *monitorPolicy
	cfg.handshakeTO = *handshakeTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.pollIDs = *pollIDs
	cfg.pollInterval = *pollInterval
	cfg.taskStatsIDs = *taskStatsIDs
	cfg.taskStatsEvery = *taskStatsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs semantic validation only; it never touches hardware.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.monitorPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid monitor-policy: %s", c.monitorPolicy)
	}
	if c.stationID < 0 || c.stationID > 15 {
		return fmt.Errorf("station-id must be 0..15 (got %d)", c.stationID)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.readTimeout <= 0 {
		return fmt.Errorf("read-timeout must be > 0")
	}
	if c.monitorBuffer <= 0 {
		return fmt.Errorf("monitor-buffer must be > 0 (got %d)", c.monitorBuffer)
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps FOCONCTL_* environment variables to config fields
// unless the corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["port"]; !ok {
		if v, ok := get("FOCONCTL_PORT"); ok && v != "" {
			c.port = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("FOCONCTL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["station-id"]; !ok {
		if v, ok := get("FOCONCTL_STATION_ID"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.stationID = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_STATION_ID: %w", err)
			}
		}
	}
	if _, ok := set["flow-control"]; !ok {
		if v, ok := get("FOCONCTL_FLOW_CONTROL"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.flowControl = true
			case "0", "false", "no", "off":
				c.flowControl = false
			}
		}
	}
	if _, ok := set["read-timeout"]; !ok {
		if v, ok := get("FOCONCTL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.readTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("FOCONCTL_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("FOCONCTL_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("FOCONCTL_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["monitor-addr"]; !ok {
		if v, ok := get("FOCONCTL_MONITOR_ADDR"); ok {
			c.monitorAddr = v
		}
	}
	if _, ok := set["monitor-buffer"]; !ok {
		if v, ok := get("FOCONCTL_MONITOR_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.monitorBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_MONITOR_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["monitor-policy"]; !ok {
		if v, ok := get("FOCONCTL_MONITOR_POLICY"); ok && v != "" {
			c.monitorPolicy = v
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("FOCONCTL_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("FOCONCTL_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("FOCONCTL_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["task-stats-ids"]; !ok {
		if v, ok := get("FOCONCTL_TASK_STATS_IDS"); ok {
			c.taskStatsIDs = v
		}
	}
	if _, ok := set["task-stats-interval"]; !ok {
		if v, ok := get("FOCONCTL_TASK_STATS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.taskStatsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_TASK_STATS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("FOCONCTL_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid FOCONCTL_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
