package main

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/foconctl/internal/device"
	"github.com/kstaniek/foconctl/internal/display"
	"github.com/kstaniek/foconctl/internal/frame"
	"github.com/kstaniek/foconctl/internal/message"
)

// parsePollIDs parses a comma-separated list of bus addresses into frame.IDs.
func parsePollIDs(s string) ([]frame.ID, error) {
	var ids []frame.ID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, frame.ID(n))
	}
	return ids, nil
}

// startPoller periodically issues a BootInfo request to every id in ids and
// logs the decoded reply, demonstrating the device command surface; each
// device's own request/response exchange runs on the shared single Bus
// goroutine, never concurrently (the bus forbids dispatch to multiple peers
// at once).
func startPoller(ctx context.Context, mb *message.MessageBus, ids []frame.ID, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if len(ids) == 0 || interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				for _, id := range ids {
					dev := device.New(mb, id)
					info, err := dev.GetInfo(ctx)
					if err != nil {
						l.Warn("poll_boot_info_failed", "peer", id.String(), "error", err)
						continue
					}
					l.Info("poll_boot_info",
						"peer", id.String(),
						"kind", string(info.Kind),
						"mode", info.Mode.String(),
						"boot_version", info.BootVersion.String(),
						"app_version", info.AppVersion.String(),
					)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startTaskStatsPoller periodically issues a task-statistics dump to every
// id in ids, collecting the multi-part response via RecvMessages and
// logging each task's line, demonstrating the dump command's only
// multi-message reply.
func startTaskStatsPoller(ctx context.Context, mb *message.MessageBus, ids []frame.ID, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if len(ids) == 0 || interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				for _, id := range ids {
					dev := display.New(mb, id)
					lines, err := dev.GetTaskStats(ctx)
					if err != nil {
						l.Warn("poll_task_stats_failed", "peer", id.String(), "error", err)
						continue
					}
					l.Info("poll_task_stats", "peer", id.String(), "tasks", len(lines))
					for _, line := range lines {
						l.Debug("poll_task_stats_line", "peer", id.String(), "line", line)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
