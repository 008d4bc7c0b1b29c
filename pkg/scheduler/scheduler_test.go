package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockMonitor is a mock implementation of the Monitor interface.
type MockMonitor struct {
	mock.Mock
}

func (m *MockMonitor) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockMonitor) Run(ctx context.Context) {
	m.Called(ctx)
}

func TestScheduler_RegisterMonitor(t *testing.T) {
	cfg := &config.Config{}
	sched := NewScheduler(cfg)

	monitor := new(MockMonitor)
	monitor.On("Name").Return("test_monitor")

	sched.RegisterMonitor(monitor)

	assert.Len(t, sched.monitors, 1)
	assert.Equal(t, monitor, sched.monitors[0])
	monitor.AssertExpectations(t)
}

func TestScheduler_Start(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "monitor_enabled", Enabled: true, Interval: "50ms"},
			{Name: "monitor_disabled", Enabled: false, Interval: "50ms"},
			{Name: "monitor_invalid_interval", Enabled: true, Interval: "invalid"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	sched := NewScheduler(cfg)

	var wg sync.WaitGroup
	expectedCalls := 3 // 1 initial run + at least 2 ticks
	wg.Add(expectedCalls)
	var remaining int64 = int64(expectedCalls)

	enabledMonitor := new(MockMonitor)
	enabledMonitor.On("Name").Return("monitor_enabled")
	enabledMonitor.On("Run", mock.Anything).Run(func(args mock.Arguments) {
		if atomic.AddInt64(&remaining, -1) >= 0 {
			wg.Done()
		}
	}).Return()
	sched.RegisterMonitor(enabledMonitor)

	disabledMonitor := new(MockMonitor)
	disabledMonitor.On("Name").Return("monitor_disabled")
	sched.RegisterMonitor(disabledMonitor)

	invalidIntervalMonitor := new(MockMonitor)
	invalidIntervalMonitor.On("Name").Return("monitor_invalid_interval")
	sched.RegisterMonitor(invalidIntervalMonitor)

	sched.Start(ctx)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("enabled monitor did not run the expected number of times")
	}

	disabledMonitor.AssertNotCalled(t, "Run", mock.Anything)
	invalidIntervalMonitor.AssertNotCalled(t, "Run", mock.Anything)
}

// panicMonitor panics on its first cycle and counts subsequent cycles.
type panicMonitor struct {
	runs int64
}

func (p *panicMonitor) Name() string { return "panic_monitor" }

func (p *panicMonitor) Run(ctx context.Context) {
	if atomic.AddInt64(&p.runs, 1) == 1 {
		panic("cycle blew up")
	}
}

func TestScheduler_CyclePanicDoesNotKillMonitor(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{Name: "panic_monitor", Enabled: true, Interval: "20ms"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	sched := NewScheduler(cfg)
	mon := &panicMonitor{}
	sched.RegisterMonitor(mon)
	sched.Start(ctx)

	<-ctx.Done()
	assert.GreaterOrEqual(t, atomic.LoadInt64(&mon.runs), int64(2),
		"monitor should keep running after a panicking cycle")
}

type configurableMonitor struct {
	MockMonitor
	received map[string]interface{}
}

func (c *configurableMonitor) Configure(cfg map[string]interface{}) error {
	c.received = cfg
	return nil
}

func TestScheduler_RegisterConfigurableMonitor(t *testing.T) {
	cfg := &config.Config{
		Monitors: []config.MonitorConfig{
			{
				Name:    "configurable",
				Enabled: true,
				Config:  map[string]interface{}{"threshold": 5},
			},
		},
	}
	sched := NewScheduler(cfg)

	mon := &configurableMonitor{}
	mon.On("Name").Return("configurable")

	sched.RegisterMonitor(mon)

	assert.Len(t, sched.monitors, 1)
	assert.Equal(t, 5, mon.received["threshold"])
}
