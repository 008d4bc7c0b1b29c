package scheduler

import (
	"context"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/rs/zerolog/log"
)

// Monitor defines the interface for any monitor that can be scheduled.
// Periodic monitors return from Run after one cycle; event-driven monitors
// (the file integrity watcher) block in Run until the context is cancelled.
type Monitor interface {
	Name() string
	Run(ctx context.Context)
}

// ConfigurableMonitor extends Monitor for monitors that accept a per-monitor
// configuration block from the config file.
type ConfigurableMonitor interface {
	Monitor
	Configure(config map[string]interface{}) error
}

// Scheduler manages the registration and execution of monitors. Each enabled
// monitor runs in its own goroutine on its own interval; monitors share no
// in-process state.
type Scheduler struct {
	monitors []Monitor
	config   *config.Config
}

// NewScheduler creates and returns a new Scheduler instance.
func NewScheduler(cfg *config.Config) *Scheduler {
	return &Scheduler{
		config: cfg,
	}
}

// RegisterMonitor adds a monitor to the scheduler's list, configuring it
// first if it accepts configuration.
func (s *Scheduler) RegisterMonitor(m Monitor) {
	if configurable, ok := m.(ConfigurableMonitor); ok {
		monitorConfig := s.config.GetMonitorConfig(m.Name())
		if monitorConfig != nil && monitorConfig.Config != nil {
			if err := configurable.Configure(monitorConfig.Config); err != nil {
				log.Error().Err(err).Msgf("Failed to configure monitor '%s'", m.Name())
				return
			}
		}
	}

	s.monitors = append(s.monitors, m)
	log.Info().Msgf("Monitor '%s' registered.", m.Name())
}

// Start launches all enabled monitors with their configured intervals.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("Scheduler starting...")

	for _, mon := range s.monitors {
		monitorConfig := s.config.GetMonitorConfig(mon.Name())
		if monitorConfig == nil || !monitorConfig.Enabled {
			log.Info().Msgf("Monitor '%s' is disabled or not configured, skipping.", mon.Name())
			continue
		}

		duration, err := time.ParseDuration(monitorConfig.Interval)
		if err != nil {
			log.Error().Err(err).Msgf("Invalid interval for monitor '%s', skipping.", mon.Name())
			continue
		}

		log.Info().Msgf("Starting monitor '%s' with interval %s", mon.Name(), duration)
		go s.runMonitor(ctx, mon, duration)
	}

	log.Info().Msg("All configured monitors started.")
}

func (s *Scheduler) runMonitor(ctx context.Context, m Monitor, interval time.Duration) {
	// Run immediately on start
	s.runCycle(ctx, m)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCycle(ctx, m)
		case <-ctx.Done():
			log.Info().Msgf("Monitor '%s' received shutdown signal.", m.Name())
			return
		}
	}
}

// runCycle executes one monitor cycle. A panic inside a cycle is logged and
// absorbed so the monitor keeps its schedule instead of taking the process
// down.
func (s *Scheduler) runCycle(ctx context.Context, m Monitor) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msgf("Monitor '%s' cycle panicked, continuing on next tick.", m.Name())
		}
	}()

	log.Debug().Msgf("Running monitor '%s'.", m.Name())
	m.Run(ctx)
}
