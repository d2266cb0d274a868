package adc

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/itohio/isoflux/pkg/balance"
	"github.com/itohio/isoflux/pkg/bridge"
	"github.com/itohio/isoflux/pkg/config"
	"github.com/itohio/isoflux/pkg/coolant"
)

// Mock simulates the dual-ADC frontend for testing and development. It
// derives steady-state channel temperatures from the configured stage
// powers and runs them backwards through the bridge and sensor equations,
// so the full conversion pipeline sees physically consistent codes.
type Mock struct {
	cfg *config.Config

	cycles    chan cycleResult
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	// Simulation state
	temps     map[int]float64 // Steady-state temperature per channel (degC)
	startTime time.Time
	failNext  int          // Pending injected faults
	dropped   map[int]bool // Channels omitted from emitted cycles
}

// NewMock creates a mock frontend from the full configuration; the stage
// ladder is taken from the topology and the mock section.
func NewMock(cfg *config.Config) (*Mock, error) {
	temps, err := steadyTemperatures(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Mock{
		cfg:     cfg,
		cycles:  make(chan cycleResult, DefaultBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		temps:   temps,
		dropped: make(map[int]bool),
	}, nil
}

// steadyTemperatures walks the stage ladder accumulating the temperature
// rise each configured stage power produces at the configured flow.
func steadyTemperatures(cfg *config.Config) (map[int]float64, error) {
	var fluid coolant.Fluid
	if cfg.Balance.FlowKgPerSec == 0 || cfg.Balance.HeatCapacity == 0 {
		f, err := coolant.ForName(cfg.Balance.Fluid)
		if err != nil {
			return nil, fmt.Errorf("mock frontend: %w", err)
		}
		fluid = f
	}

	temps := make(map[int]float64, len(cfg.Channels))
	if len(cfg.Topology) == 0 {
		return nil, fmt.Errorf("mock frontend: empty topology")
	}

	inlet := cfg.Mock.InletTemp
	temps[cfg.Topology[0].Inlet] = inlet

	for i, st := range cfg.Topology {
		var power float64
		if i < len(cfg.Mock.StagePowers) {
			power = cfg.Mock.StagePowers[i]
		}

		mdot := balance.MassFlow(cfg.Balance, fluid, inlet)
		// One refinement so c_p is evaluated at the stage mean.
		cp := balance.SpecificHeat(cfg.Balance, fluid, inlet)
		dt := power / (mdot * cp)
		cp = balance.SpecificHeat(cfg.Balance, fluid, inlet+dt/2)
		dt = power / (mdot * cp)

		outlet := inlet + dt
		temps[st.Outlet] = outlet
		inlet = outlet
	}

	// Channels not referenced by the topology still emit a sane code.
	for _, ch := range cfg.Channels {
		if _, ok := temps[ch.ID]; !ok {
			temps[ch.ID] = cfg.Mock.InletTemp
		}
	}

	return temps, nil
}

// Connect starts generating cycles.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.startTime = time.Now()

	go m.generateCycles()

	return nil
}

// Close stops the mock frontend.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.cancel()
	m.connected = false
	close(m.cycles)

	return nil
}

// IsConnected returns whether the mock is running.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// NextCycle blocks until the next simulated cycle.
func (m *Mock) NextCycle(ctx context.Context) (Cycle, error) {
	timer := time.NewTimer(m.cfg.Acquisition.Timeout)
	defer timer.Stop()

	select {
	case res, ok := <-m.cycles:
		if !ok {
			return Cycle{}, fmt.Errorf("frontend closed")
		}
		return res.cycle, res.err
	case <-timer.C:
		return Cycle{}, ErrTimeout
	case <-ctx.Done():
		return Cycle{}, ctx.Err()
	}
}

// FailNext injects n acquisition faults into the cycle stream.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext += n
}

// DropChannel omits a channel from all following cycles, simulating a
// device returning fewer channels than configured.
func (m *Mock) DropChannel(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[id] = true
}

// RestoreChannel undoes DropChannel.
func (m *Mock) RestoreChannel(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dropped, id)
}

// SetChannelTemperature overrides one channel's simulated temperature,
// useful for provoking consistency violations.
func (m *Mock) SetChannelTemperature(id int, temp float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temps[id] = temp
}

// generateCycles emits simulated cycles at the configured period.
func (m *Mock) generateCycles() {
	// Close cancels and then closes the cycle channel; a send racing the
	// close lands here, same as the serial reader.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in generateCycles: %v", r)
		}
	}()

	ticker := time.NewTicker(m.cfg.Mock.SamplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			res := m.generateCycle()
			select {
			case m.cycles <- res:
			case <-m.ctx.Done():
				return
			default:
				// Channel full, skip
			}
		}
	}
}

// generateCycle builds one cycle from the steady-state temperatures plus
// deterministic noise.
func (m *Mock) generateCycle() cycleResult {
	m.mu.Lock()
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return cycleResult{err: &FaultError{Reason: "injected fault"}}
	}
	temps := make(map[int]float64, len(m.temps))
	for id, t := range m.temps {
		temps[id] = t
	}
	dropped := make(map[int]bool, len(m.dropped))
	for id := range m.dropped {
		dropped[id] = true
	}
	m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.startTime)
	skew := 120 * time.Microsecond

	samples := make([]RawSample, 0, len(m.cfg.Channels))
	for _, ch := range m.cfg.Channels {
		if dropped[ch.ID] {
			continue
		}

		code := bridge.SynthesizeCode(ch, temps[ch.ID])

		noise := (math.Sin(float64(elapsed.Nanoseconds())*0.001+float64(ch.ID)) +
			math.Cos(float64(elapsed.Nanoseconds())*0.0013)) *
			m.cfg.Mock.NoiseLevel * 0.5
		code += int32(math.Round(noise))

		ts := now
		if ch.ID >= 8 {
			ts = now.Add(skew)
		}

		samples = append(samples, RawSample{
			Channel:   ch.ID,
			Code:      code,
			Timestamp: ts,
		})
	}

	return cycleResult{cycle: Cycle{
		Timestamp: now,
		Skew:      skew,
		Samples:   samples,
	}}
}
