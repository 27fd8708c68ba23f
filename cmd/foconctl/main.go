package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/foconctl/internal/bus"
	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/message"
	"github.com/kstaniek/foconctl/internal/metrics"
	"github.com/kstaniek/foconctl/internal/monitor"
	"github.com/kstaniek/foconctl/internal/serialport"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("foconctl %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	pollIDs, err := parsePollIDs(cfg.pollIDs)
	if err != nil {
		l.Error("poll_ids_parse_error", "error", err)
		os.Exit(1)
	}
	taskStatsIDs, err := parsePollIDs(cfg.taskStatsIDs)
	if err != nil {
		l.Error("task_stats_ids_parse_error", "error", err)
		os.Exit(1)
	}

	port, err := serialport.Open(serialport.Config{
		Name:        cfg.port,
		Baud:        cfg.baud,
		FlowControl: cfg.flowControl,
		ReadTimeout: cfg.readTimeout,
	})
	if err != nil {
		l.Error("serial_open_error", "error", err, "device", cfg.port)
		os.Exit(1)
	}
	defer port.Close()
	l.Info("serial_open", "device", cfg.port, "baud", cfg.baud)

	b := bus.New(port, frame.ID(cfg.stationID))
	mb := message.New(b, frame.ID(cfg.stationID))

	monHub := initMonitorHub(cfg, l)
	if cfg.monitorAddr != "" {
		b.SetTap(monHub.Tap())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)
	startPoller(ctx, mb, pollIDs, cfg.pollInterval, l, &wg)
	startTaskStatsPoller(ctx, mb, taskStatsIDs, cfg.taskStatsEvery, l, &wg)

	var monSrv *monitor.Server
	if cfg.monitorAddr != "" {
		monSrv = monitor.NewServer(
			monitor.WithListenAddr(cfg.monitorAddr),
			monitor.WithHub(monHub),
			monitor.WithLogger(l),
			monitor.WithHandshakeTimeout(cfg.handshakeTO),
		)
		go func() {
			if err := monSrv.Serve(ctx); err != nil {
				l.Error("monitor_server_error", "error", err)
				cancel()
			}
		}()

		go func() {
			if !cfg.mdnsEnable {
				return
			}
			select {
			case <-monSrv.Ready():
			case <-ctx.Done():
				return
			}
			portNum := extractPort(monSrv.Addr())
			cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
			if err != nil {
				l.Warn("mdns_start_failed", "error", err)
				return
			}
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
			go func() { <-ctx.Done(); cleanupMDNS() }()
		}()
	}

	metrics.SetReadinessFunc(func() bool {
		if monSrv != nil {
			select {
			case <-monSrv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	if monSrv != nil {
		_ = monSrv.Shutdown(context.Background())
	}
	wg.Wait()
}

// extractPort pulls the numeric port out of a host:port listen address.
func extractPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, err := strconv.Atoi(p); err == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
