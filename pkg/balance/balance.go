// Package balance computes per-stage and cumulative thermal power from the
// filtered coolant temperatures by heat balance: P = mdot * c_p * dT.
package balance

import (
	"fmt"
	"sync"
	"time"

	"github.com/itohio/isoflux/pkg/config"
	"github.com/itohio/isoflux/pkg/coolant"
	"github.com/itohio/isoflux/pkg/topology"
)

// StageResult is the computed result for one stage of one cycle.
type StageResult struct {
	Index      int
	Name       string
	InletTemp  float64 // degC
	OutletTemp float64 // degC
	DeltaT     float64 // K
	Power      float64 // W, tare-corrected
	Valid      bool
}

// CycleResult is the ordered sequence of stage results for one cycle.
// Consistent is false when any series joint disagreed beyond tolerance.
type CycleResult struct {
	Timestamp       time.Time
	Stages          []StageResult
	CumulativePower float64 // W, sum of valid stage powers
	Consistent      bool
}

// Engine computes cycle results and carries the per-stage tare offsets.
// All temperature and power arithmetic is float64 throughout; chained
// subtractions of near-equal temperatures must preserve millikelvin
// resolution.
type Engine struct {
	cfg   config.BalanceConfig
	fluid coolant.Fluid // nil when a fixed heat capacity is configured
	topo  []topology.StagePosition

	mu        sync.RWMutex
	offsets   []float64 // Tare power offsets (W), one per stage
	lastPower []float64 // Most recent reported power per stage
}

// New creates an engine for the given topology. The coolant fluid is
// resolved once; a fixed configured heat capacity takes precedence over
// the fluid lookup.
func New(cfg config.BalanceConfig, topo []topology.StagePosition) (*Engine, error) {
	if err := topology.Validate(topo); err != nil {
		return nil, err
	}

	var fluid coolant.Fluid
	needFluid := cfg.HeatCapacity == 0 || cfg.FlowKgPerSec == 0
	if needFluid {
		f, err := coolant.ForName(cfg.Fluid)
		if err != nil {
			return nil, err
		}
		fluid = f
	}

	return &Engine{
		cfg:       cfg,
		fluid:     fluid,
		topo:      topo,
		offsets:   make([]float64, len(topo)),
		lastPower: make([]float64, len(topo)),
	}, nil
}

// Compute derives the cycle result from routed temperature pairs. Pairs
// whose channels were invalid for the cycle yield invalid stage results;
// series joints disagreeing beyond the tolerance mark the downstream stage
// invalid and clear the cycle's Consistent flag.
func (e *Engine) Compute(ts time.Time, pairs []topology.Pair) CycleResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	tolerance := e.cfg.ToleranceMilliK / 1000.0

	result := CycleResult{
		Timestamp:  ts,
		Stages:     make([]StageResult, len(pairs)),
		Consistent: true,
	}

	for i, pair := range pairs {
		st := e.topo[i]
		res := StageResult{
			Index: i,
			Name:  st.Name,
			Valid: pair.Valid,
		}

		if pair.Valid {
			res.InletTemp = pair.Inlet.Temperature
			res.OutletTemp = pair.Outlet.Temperature
			res.DeltaT = pair.Outlet.Temperature - pair.Inlet.Temperature

			mdot := e.massFlow(st, res.InletTemp)
			cp := e.specificHeat(st, (res.InletTemp+res.OutletTemp)/2)
			res.Power = mdot*cp*res.DeltaT - e.offsets[i]
			e.lastPower[i] = res.Power
		}

		// Series joint: the outlet sensor of the previous stage and this
		// stage's inlet sensor sit on the same coolant line. Disagreement
		// beyond tolerance means sensor drift, a loop leak, or miswiring.
		if i > 0 && pair.Valid && pairs[i-1].Valid {
			joint := pair.Inlet.Temperature - pairs[i-1].Outlet.Temperature
			if joint < 0 {
				joint = -joint
			}
			if joint > tolerance {
				res.Valid = false
				result.Consistent = false
			}
		}

		result.Stages[i] = res
	}

	for _, st := range result.Stages {
		if st.Valid {
			result.CumulativePower += st.Power
		}
	}

	return result
}

// Tare captures the stage's current power as its offset so that the
// reported power reads zero, the zero-calibration of the remote interface.
func (e *Engine) Tare(stage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if stage < 0 || stage >= len(e.offsets) {
		return fmt.Errorf("stage index %d out of range", stage)
	}
	e.offsets[stage] += e.lastPower[stage]
	return nil
}

// SetOffset replaces the stage's power offset.
func (e *Engine) SetOffset(stage int, watts float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if stage < 0 || stage >= len(e.offsets) {
		return fmt.Errorf("stage index %d out of range", stage)
	}
	e.offsets[stage] = watts
	return nil
}

// Offsets returns a copy of the per-stage power offsets.
func (e *Engine) Offsets() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]float64, len(e.offsets))
	copy(out, e.offsets)
	return out
}

// massFlow resolves the coolant mass flow for a stage. A configured mass
// flow wins; otherwise the volumetric flow is converted using the fluid
// density at the inlet temperature (g/cm3 over L/s cancels to kg/s).
func (e *Engine) massFlow(st topology.StagePosition, inletTemp float64) float64 {
	if st.FlowKgPerSec > 0 {
		return st.FlowKgPerSec
	}
	if e.cfg.FlowKgPerSec > 0 {
		return e.cfg.FlowKgPerSec
	}
	return e.cfg.FlowLitersPerSec * e.fluid.Density(inletTemp)
}

// specificHeat resolves c_p for a stage, evaluated at the stage mean
// temperature when the fluid lookup is in effect.
func (e *Engine) specificHeat(st topology.StagePosition, meanTemp float64) float64 {
	if st.HeatCapacity > 0 {
		return st.HeatCapacity
	}
	if e.cfg.HeatCapacity > 0 {
		return e.cfg.HeatCapacity
	}
	return e.fluid.HeatCapacity(meanTemp)
}

// MassFlow exposes the engine's flow resolution for collaborators that
// need the same conversion (the mock frontend).
func MassFlow(cfg config.BalanceConfig, fluid coolant.Fluid, inletTemp float64) float64 {
	if cfg.FlowKgPerSec > 0 {
		return cfg.FlowKgPerSec
	}
	return cfg.FlowLitersPerSec * fluid.Density(inletTemp)
}

// SpecificHeat exposes the engine's heat capacity resolution.
func SpecificHeat(cfg config.BalanceConfig, fluid coolant.Fluid, meanTemp float64) float64 {
	if cfg.HeatCapacity > 0 {
		return cfg.HeatCapacity
	}
	return fluid.HeatCapacity(meanTemp)
}
