// Package pipeline drives the acquisition-and-computation cycle:
// sample source -> bridge conversion -> channel routing -> filtering ->
// heat balance, publishing one CycleResult per successful cycle.
package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itohio/isoflux/pkg/adc"
	"github.com/itohio/isoflux/pkg/balance"
	"github.com/itohio/isoflux/pkg/bridge"
	"github.com/itohio/isoflux/pkg/config"
	"github.com/itohio/isoflux/pkg/filter"
	"github.com/itohio/isoflux/pkg/topology"
)

// DefaultResultBuffer is the default capacity of the published result queue.
const DefaultResultBuffer = 64

// Stats is a snapshot of the coordinator's health counters, also exported
// through Prometheus.
type Stats struct {
	Cycles                uint64
	DroppedCycles         uint64
	InvalidChannels       uint64
	ConsistencyViolations uint64
	ResultsDropped        uint64
}

// Coordinator owns the cycle-serial acquisition loop. No concurrent cycles
// are ever in flight; the filter bank is accessed only from Run.
type Coordinator struct {
	cfg      *config.Config
	frontend adc.Frontend

	converter *bridge.Converter
	bank      *filter.Bank
	topo      []topology.StagePosition
	engine    *balance.Engine

	metrics *Metrics
	results chan balance.CycleResult

	cycles                atomic.Uint64
	dropped               atomic.Uint64
	invalidChannels       atomic.Uint64
	consistencyViolations atomic.Uint64
	resultsDropped        atomic.Uint64

	callbacks []func(balance.CycleResult)
	cbMu      sync.RWMutex
}

// New wires the pipeline from configuration. The frontend is injected so
// the same coordinator serves the serial and mock frontends.
func New(cfg *config.Config, frontend adc.Frontend, reg prometheus.Registerer) (*Coordinator, error) {
	topo := topology.FromConfig(cfg.Topology)

	engine, err := balance.New(cfg.Balance, topo)
	if err != nil {
		return nil, err
	}

	bank, err := filter.NewBank(cfg.Filter)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:       cfg,
		frontend:  frontend,
		converter: bridge.NewConverter(cfg.Channels),
		bank:      bank,
		topo:      topo,
		engine:    engine,
		metrics:   NewMetrics(reg),
		results:   make(chan balance.CycleResult, DefaultResultBuffer),
	}, nil
}

// Engine exposes the heat balance engine for the tare/offset control of
// the remote interface.
func (c *Coordinator) Engine() *balance.Engine { return c.engine }

// Results returns the published result stream. When the consumer falls
// behind, the oldest unconsumed results are dropped rather than blocking
// acquisition.
func (c *Coordinator) Results() <-chan balance.CycleResult { return c.results }

// OnUpdate registers a callback invoked after every published cycle. The
// callback should return quickly.
func (c *Coordinator) OnUpdate(cb func(balance.CycleResult)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Stats returns a snapshot of the health counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Cycles:                c.cycles.Load(),
		DroppedCycles:         c.dropped.Load(),
		InvalidChannels:       c.invalidChannels.Load(),
		ConsistencyViolations: c.consistencyViolations.Load(),
		ResultsDropped:        c.resultsDropped.Load(),
	}
}

// Run executes the acquisition loop until the context is cancelled. The
// shutdown signal is checked between cycles only, so a partial cycle is
// never published. Errors never terminate the loop; the loop is expected
// to run unattended for extended periods.
//
// The configured cycle rate caps how fast results are produced when the
// frontend delivers faster than the conversion throughput the rest of the
// system is sized for; the frontend's own pace is the lower bound.
func (c *Coordinator) Run(ctx context.Context) error {
	var pace <-chan time.Time
	if c.cfg.Acquisition.CycleRateHz > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / c.cfg.Acquisition.CycleRateHz))
		defer ticker.Stop()
		pace = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			close(c.results)
			return nil
		default:
		}

		c.runCycle(ctx)

		if pace != nil {
			select {
			case <-pace:
			case <-ctx.Done():
			}
		}
	}
}

// runCycle acquires and processes exactly one cycle.
func (c *Coordinator) runCycle(ctx context.Context) {
	cycle, err := c.frontend.NextCycle(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case errors.Is(err, adc.ErrTimeout):
			c.dropCycle(DropTimeout, err)
			return
		default:
			var fault *adc.FaultError
			if errors.As(err, &fault) {
				c.dropCycle(DropFault, err)
				return
			}
			// Frontend closed or unexpected failure; treat as a fault so
			// the filter state never bridges the gap.
			c.dropCycle(DropFault, err)
			return
		}
	}

	start := time.Now()

	// Bridge conversion, per channel. Out-of-range conversions invalidate
	// only the affected channel; the cycle continues.
	filtered := make(map[int]bridge.TemperatureSample, len(cycle.Samples))
	invalid := make(map[int]bool)
	for _, raw := range cycle.Samples {
		sample, err := c.converter.Convert(raw.Channel, raw.Code, raw.Timestamp)
		if err != nil {
			var oor *bridge.OutOfRangeError
			if errors.As(err, &oor) {
				invalid[raw.Channel] = true
				c.invalidChannels.Add(1)
				c.metrics.InvalidChannels.Inc()
				log.Printf("Channel %d invalid for cycle: %v", raw.Channel, err)
				continue
			}
			invalid[raw.Channel] = true
			c.invalidChannels.Add(1)
			c.metrics.InvalidChannels.Inc()
			log.Printf("Failed to convert channel %d: %v", raw.Channel, err)
			continue
		}
		filtered[sample.Channel] = c.bank.Push(sample)
	}

	pairs, err := topology.Route(filtered, invalid, c.topo)
	if err != nil {
		c.dropCycle(DropTopology, err)
		return
	}

	result := c.engine.Compute(cycle.Timestamp, pairs)
	if !result.Consistent {
		c.consistencyViolations.Add(1)
		c.metrics.ConsistencyViolations.Inc()
	}

	c.publish(result)

	c.cycles.Add(1)
	c.metrics.Cycles.Inc()
	c.metrics.CycleDuration.Observe(time.Since(start).Seconds())
}

// dropCycle discards the in-flight cycle. Acquisition-level drops also
// clear the filter windows so data of unknown continuity is never mixed.
func (c *Coordinator) dropCycle(reason string, err error) {
	if reason != DropTopology {
		c.bank.Reset()
	}
	c.dropped.Add(1)
	c.metrics.DroppedCycles.WithLabelValues(reason).Inc()
	log.Printf("Dropped cycle (%s): %v", reason, err)
}

// publish hands the result to the bounded stream, dropping the oldest
// unconsumed result when the consumer has fallen behind.
func (c *Coordinator) publish(result balance.CycleResult) {
	select {
	case c.results <- result:
	default:
		select {
		case <-c.results:
			c.resultsDropped.Add(1)
			c.metrics.ResultsDropped.Inc()
		default:
		}
		select {
		case c.results <- result:
		default:
		}
	}

	c.cbMu.RLock()
	callbacks := make([]func(balance.CycleResult), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(result)
		}
	}
}
