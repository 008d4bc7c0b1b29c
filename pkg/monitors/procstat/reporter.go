package procstat

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/monitors/base"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// processSamples collects one sample per running process. Individual
// processes that vanish or deny access mid-iteration are skipped. Swappable
// for tests.
var processSamples = func(ctx context.Context) ([]events.ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	samples := make([]events.ProcessSample, 0, len(procs))
	for _, p := range procs {
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercentWithContext(ctx)
		username, _ := p.UsernameWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		created, _ := p.CreateTimeWithContext(ctx)

		samples = append(samples, events.ProcessSample{
			PID:        p.Pid,
			Username:   username,
			CPUPercent: cpuPct,
			MemPercent: float64(memPct),
			Command:    cmdline,
			TimeUsed:   elapsedSince(created, now),
			Timestamp:  now,
		})
	}
	return samples, nil
}

// hostSnapshot collects one host-level telemetry sample. Swappable for tests.
var hostSnapshot = func(ctx context.Context) (events.SystemStats, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return events.SystemStats{}, err
	}

	stats := events.SystemStats{
		Hostname:  hostname,
		Timestamp: time.Now().UTC(),
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemPercent = vm.UsedPercent
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}
	return stats, nil
}

// elapsedSince formats process age as H:MM:SS from a millisecond epoch.
func elapsedSince(createdMillis int64, now time.Time) string {
	if createdMillis <= 0 {
		return "0:00:00"
	}
	d := now.Sub(time.UnixMilli(createdMillis))
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// Config holds the configuration for the process telemetry reporter.
type Config struct {
	TopN          int     `mapstructure:"top_n"`
	MinCPUPercent float64 `mapstructure:"min_cpu_percent"`
}

// Reporter samples per-process CPU usage and host-level stats each cycle and
// posts the busiest processes to the collector.
type Reporter struct {
	*base.BaseMonitor
	config  *Config
	sender  dispatch.Sender
	selfPID int32
}

// NewReporter creates the process telemetry monitor.
func NewReporter(logger zerolog.Logger, sender dispatch.Sender) scheduler.Monitor {
	return &Reporter{
		BaseMonitor: base.NewBaseMonitor("process_telemetry", logger),
		config: &Config{
			TopN:          5,
			MinCPUPercent: 0.5,
		},
		sender:  sender,
		selfPID: int32(os.Getpid()),
	}
}

// Configure applies the per-monitor configuration block.
func (r *Reporter) Configure(config map[string]interface{}) error {
	if topN, ok := config["top_n"].(int); ok && topN > 0 {
		r.config.TopN = topN
	}
	if minCPU, ok := config["min_cpu_percent"].(float64); ok && minCPU >= 0 {
		r.config.MinCPUPercent = minCPU
	}
	return nil
}

// Run executes one telemetry cycle.
func (r *Reporter) Run(ctx context.Context) {
	samples, err := processSamples(ctx)
	if err != nil {
		errors.NewFetchFailure(r.Name(), "process list", err).Log(r.Logger())
		r.RecordExecution(err)
		return
	}

	top := r.selectTop(samples)
	for _, sample := range top {
		r.sender.Send(events.EndpointCPUProcesses, sample)
	}

	if stats, err := hostSnapshot(ctx); err == nil {
		r.sender.Send(events.EndpointSystemStats, stats)
	} else {
		errors.NewFetchFailure(r.Name(), "host stats", err).Log(r.Logger())
	}

	r.UpdateMetrics("processes_reported", len(top))
	r.RecordExecution(nil)
}

// selectTop filters out the idle and the agent itself, then keeps the TopN
// busiest by CPU.
func (r *Reporter) selectTop(samples []events.ProcessSample) []events.ProcessSample {
	kept := make([]events.ProcessSample, 0, len(samples))
	for _, s := range samples {
		if s.PID == r.selfPID || s.CPUPercent < r.config.MinCPUPercent {
			continue
		}
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].CPUPercent > kept[j].CPUPercent })
	if len(kept) > r.config.TopN {
		kept = kept[:r.config.TopN]
	}
	return kept
}
