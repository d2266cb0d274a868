package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/isoflux/pkg/adc"
	"github.com/itohio/isoflux/pkg/balance"
	"github.com/itohio/isoflux/pkg/bridge"
	"github.com/itohio/isoflux/pkg/config"
)

// scriptedFrontend replays a fixed sequence of cycles and errors so cycle
// processing can be exercised deterministically, without timers.
type scriptedFrontend struct {
	events []cycleEvent
	next   int
}

type cycleEvent struct {
	cycle adc.Cycle
	err   error
}

func (f *scriptedFrontend) Connect() error    { return nil }
func (f *scriptedFrontend) Close() error      { return nil }
func (f *scriptedFrontend) IsConnected() bool { return true }
func (f *scriptedFrontend) NextCycle(ctx context.Context) (adc.Cycle, error) {
	if f.next >= len(f.events) {
		<-ctx.Done()
		return adc.Cycle{}, ctx.Err()
	}
	ev := f.events[f.next]
	f.next++
	return ev.cycle, ev.err
}

func pipelineConfig(window int) *config.Config {
	cfg := config.Default()
	cfg.Balance.FlowKgPerSec = 0.5 / 60.0
	cfg.Balance.HeatCapacity = 4186
	cfg.Filter.Window = window
	return cfg
}

// goodCycle synthesizes the codes every configured channel would report at
// the given temperatures; channels absent from the map are omitted.
func goodCycle(cfg *config.Config, temps map[int]float64) cycleEvent {
	now := time.Now()
	samples := make([]adc.RawSample, 0, len(temps))
	for _, ch := range cfg.Channels {
		temp, ok := temps[ch.ID]
		if !ok {
			continue
		}
		samples = append(samples, adc.RawSample{
			Channel:   ch.ID,
			Code:      bridge.SynthesizeCode(ch, temp),
			Timestamp: now,
		})
	}
	return cycleEvent{cycle: adc.Cycle{Timestamp: now, Samples: samples}}
}

func newTestCoordinator(t *testing.T, cfg *config.Config, events ...cycleEvent) *Coordinator {
	t.Helper()
	c, err := New(cfg, &scriptedFrontend{events: events}, prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func runCycles(c *Coordinator, n int) {
	for i := 0; i < n; i++ {
		c.runCycle(context.Background())
	}
}

func takeResult(t *testing.T, c *Coordinator) balance.CycleResult {
	t.Helper()
	select {
	case result := <-c.results:
		return result
	default:
		t.Fatal("no result published")
		return balance.CycleResult{}
	}
}

func lastResult(t *testing.T, c *Coordinator) balance.CycleResult {
	t.Helper()
	var result balance.CycleResult
	got := false
	for {
		select {
		case result = <-c.results:
			got = true
		default:
			if !got {
				t.Fatal("no result published")
			}
			return result
		}
	}
}

func TestRunCycle(t *testing.T) {
	cfg := pipelineConfig(1)
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}

	c := newTestCoordinator(t, cfg, goodCycle(cfg, ladder))
	runCycles(c, 1)

	result := takeResult(t, c)
	require.Len(t, result.Stages, 2)
	assert.True(t, result.Consistent)
	assert.InDelta(t, 1.7442, result.Stages[0].Power, 2e-3)
	assert.InDelta(t, 2.4418, result.Stages[1].Power, 2e-3)
	assert.InDelta(t, 4.186, result.CumulativePower, 4e-3)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Cycles)
	assert.Zero(t, stats.DroppedCycles)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.Cycles), 0)
}

func TestRunCycle_FilterConvergence(t *testing.T) {
	cfg := pipelineConfig(4)
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}

	events := make([]cycleEvent, 4)
	for i := range events {
		events[i] = goodCycle(cfg, ladder)
	}

	c := newTestCoordinator(t, cfg, events...)
	runCycles(c, 4)

	// Constant input converges within one window to the input itself.
	result := lastResult(t, c)
	assert.InDelta(t, 20.000, result.Stages[0].InletTemp, 1e-3)
	assert.InDelta(t, 0.050, result.Stages[0].DeltaT, 1e-3)
	assert.True(t, c.bank.Warm())
}

func TestRunCycle_FaultResetsFilter(t *testing.T) {
	cfg := pipelineConfig(4)
	before := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}
	after := map[int]float64{0: 21.000, 1: 21.050, 2: 21.120}

	c := newTestCoordinator(t, cfg,
		goodCycle(cfg, before),
		goodCycle(cfg, before),
		goodCycle(cfg, before),
		cycleEvent{err: &adc.FaultError{Reason: "injected fault"}},
		goodCycle(cfg, after),
	)
	runCycles(c, 5)

	// The fault cleared the windows: the first post-fault cycle reports the
	// new temperature directly instead of blending across the gap (a stale
	// window would read 20.25).
	result := lastResult(t, c)
	assert.InDelta(t, 21.000, result.Stages[0].InletTemp, 1e-3)

	stats := c.Stats()
	assert.EqualValues(t, 4, stats.Cycles)
	assert.EqualValues(t, 1, stats.DroppedCycles)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.DroppedCycles.WithLabelValues(DropFault)), 0)
}

func TestRunCycle_Timeout(t *testing.T) {
	cfg := pipelineConfig(1)

	c := newTestCoordinator(t, cfg, cycleEvent{err: adc.ErrTimeout})
	runCycles(c, 1)

	stats := c.Stats()
	assert.Zero(t, stats.Cycles)
	assert.EqualValues(t, 1, stats.DroppedCycles)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.DroppedCycles.WithLabelValues(DropTimeout)), 0)

	select {
	case <-c.results:
		t.Fatal("timed-out cycle must not publish")
	default:
	}
}

func TestRunCycle_TopologyMismatchKeepsWindows(t *testing.T) {
	cfg := pipelineConfig(2)
	before := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}
	// The joint sensor on channel 1 goes missing entirely for one cycle.
	missing := map[int]float64{0: 20.000, 2: 20.120}
	after := map[int]float64{0: 21.000, 1: 21.050, 2: 21.120}

	c := newTestCoordinator(t, cfg,
		goodCycle(cfg, before),
		goodCycle(cfg, missing),
		goodCycle(cfg, after),
	)
	runCycles(c, 3)

	// A topology mismatch drops the cycle but keeps the windows: data
	// continuity was never in question, the device just came up short. The
	// surviving window blends the pre- and post-mismatch samples.
	result := lastResult(t, c)
	assert.InDelta(t, 20.5, result.Stages[0].InletTemp, 1e-3)

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Cycles)
	assert.EqualValues(t, 1, stats.DroppedCycles)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.DroppedCycles.WithLabelValues(DropTopology)), 0)
}

func TestRunCycle_InvalidChannel(t *testing.T) {
	cfg := pipelineConfig(1)
	// Channel 2 reads far beyond its rated 120 degC: out of calibration
	// range, so the stage it terminates is invalid for the cycle.
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 150.0}

	c := newTestCoordinator(t, cfg, goodCycle(cfg, ladder))
	runCycles(c, 1)

	result := takeResult(t, c)
	assert.True(t, result.Consistent)
	assert.True(t, result.Stages[0].Valid)
	assert.False(t, result.Stages[1].Valid)
	assert.InDelta(t, result.Stages[0].Power, result.CumulativePower, 1e-9)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Cycles)
	assert.EqualValues(t, 1, stats.InvalidChannels)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.InvalidChannels), 0)
}

func TestRunCycle_ConsistencyViolation(t *testing.T) {
	cfg := pipelineConfig(1)
	cfg.Acquisition.Channels = 4
	cfg.Channels = []config.ChannelConfig{
		channelCal(0), channelCal(1), channelCal(2), channelCal(3),
	}
	// Dual-sensor joint: separate sensors on each side of the stage joint.
	cfg.Topology = []config.StageConfig{
		{Name: "Heat Source 1", Inlet: 0, Outlet: 1},
		{Name: "Heat Source 2", Inlet: 2, Outlet: 3},
	}

	// The joint sensors disagree by 50 mK against a 5 mK tolerance.
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 20.100, 3: 20.170}

	c := newTestCoordinator(t, cfg, goodCycle(cfg, ladder))
	runCycles(c, 1)

	result := takeResult(t, c)
	assert.False(t, result.Consistent)
	assert.True(t, result.Stages[0].Valid)
	assert.False(t, result.Stages[1].Valid)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Cycles, "violating cycles still publish")
	assert.EqualValues(t, 1, stats.ConsistencyViolations)
	assert.InDelta(t, 1, testutil.ToFloat64(c.metrics.ConsistencyViolations), 0)
}

func channelCal(id int) config.ChannelConfig {
	cal := config.Default().Channels[0]
	cal.ID = id
	return cal
}

func TestPublish_DropOldest(t *testing.T) {
	cfg := pipelineConfig(1)
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}

	events := make([]cycleEvent, DefaultResultBuffer+6)
	for i := range events {
		events[i] = goodCycle(cfg, ladder)
	}

	c := newTestCoordinator(t, cfg, events...)
	runCycles(c, len(events))

	// Nobody consumed: the oldest results were discarded, acquisition
	// never blocked.
	stats := c.Stats()
	assert.EqualValues(t, len(events), stats.Cycles)
	assert.EqualValues(t, 6, stats.ResultsDropped)
	assert.Len(t, c.results, DefaultResultBuffer)
	assert.InDelta(t, 6, testutil.ToFloat64(c.metrics.ResultsDropped), 0)
}

func TestOnUpdate(t *testing.T) {
	cfg := pipelineConfig(1)
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}

	c := newTestCoordinator(t, cfg,
		goodCycle(cfg, ladder),
		cycleEvent{err: adc.ErrTimeout},
		goodCycle(cfg, ladder),
	)

	var calls int
	c.OnUpdate(func(result balance.CycleResult) {
		calls++
		assert.Len(t, result.Stages, 2)
	})

	runCycles(c, 3)
	assert.Equal(t, 2, calls, "dropped cycles never reach callbacks")
}

func TestRun_PacedCycles(t *testing.T) {
	cfg := pipelineConfig(1)
	// A frontend that replays instantly must still be held to the
	// configured cycle rate.
	cfg.Acquisition.CycleRateHz = 100
	ladder := map[int]float64{0: 20.000, 1: 20.050, 2: 20.120}

	events := make([]cycleEvent, 5)
	for i := range events {
		events[i] = goodCycle(cfg, ladder)
	}

	c := newTestCoordinator(t, cfg, events...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- c.Run(ctx)
	}()

	for i := 0; i < len(events); i++ {
		select {
		case <-c.Results():
		case <-time.After(2 * time.Second):
			t.Fatalf("result %d never arrived", i)
		}
	}

	// The first cycle runs immediately; each of the remaining four waits
	// out one 10 ms pacing interval.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNew_InvalidConfiguration(t *testing.T) {
	cfg := pipelineConfig(0)
	_, err := New(cfg, &scriptedFrontend{}, prometheus.NewRegistry())
	assert.Error(t, err, "zero filter window")

	cfg = pipelineConfig(1)
	cfg.Topology = nil
	_, err = New(cfg, &scriptedFrontend{}, prometheus.NewRegistry())
	assert.Error(t, err, "empty topology")
}
