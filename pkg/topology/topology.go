// Package topology maps physical ADC channels to logical positions in the
// series-connected coolant path.
package topology

import (
	"fmt"

	"github.com/itohio/isoflux/pkg/bridge"
	"github.com/itohio/isoflux/pkg/config"
)

// StagePosition is one ordered logical slot in the coolant path. The
// outlet channel of stage i feeds the inlet channel of stage i+1.
type StagePosition struct {
	Index         int
	Name          string
	InletChannel  int
	OutletChannel int

	// Per-stage overrides; zero means the balance defaults apply.
	FlowKgPerSec float64
	HeatCapacity float64
}

// MismatchError reports a configured channel that is absent from the cycle's
// sample set. It invalidates the whole cycle.
type MismatchError struct {
	Stage   int
	Channel int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("topology mismatch: stage %d references channel %d absent from sample set",
		e.Stage, e.Channel)
}

// Pair is the routed inlet/outlet temperature pair for one stage. Valid is
// false when either channel was marked invalid for the cycle (calibration
// out of range); the temperatures are then meaningless.
type Pair struct {
	Inlet  bridge.TemperatureSample
	Outlet bridge.TemperatureSample
	Valid  bool
}

// FromConfig builds the ordered stage positions from configuration.
func FromConfig(stages []config.StageConfig) []StagePosition {
	topo := make([]StagePosition, len(stages))
	for i, st := range stages {
		topo[i] = StagePosition{
			Index:         i,
			Name:          st.Name,
			InletChannel:  st.Inlet,
			OutletChannel: st.Outlet,
			FlowKgPerSec:  st.FlowKgPerSec,
			HeatCapacity:  st.HeatCapacity,
		}
	}
	return topo
}

// Validate asserts the structural invariants of the stage sequence. The
// physical series-connection invariant (outlet of stage i feeds the inlet
// of stage i+1) is asserted at runtime by the heat balance consistency
// check, since joints carrying separate sensors on each side cannot be
// verified structurally.
func Validate(topo []StagePosition) error {
	if len(topo) == 0 {
		return fmt.Errorf("empty topology")
	}
	for i, st := range topo {
		if st.InletChannel == st.OutletChannel {
			return fmt.Errorf("stage %d: inlet and outlet share channel %d", i, st.InletChannel)
		}
	}
	return nil
}

// Route reindexes per-channel samples into per-stage inlet/outlet pairs.
// Pure lookup, no computation. Channels in the invalid set produce a pair
// with Valid=false; a channel absent from both the sample set and the
// invalid set means the device returned fewer channels than configured and
// yields a MismatchError, consistent with the all-or-nothing cycle policy.
func Route(samples map[int]bridge.TemperatureSample, invalid map[int]bool, topo []StagePosition) ([]Pair, error) {
	pairs := make([]Pair, len(topo))
	for i, st := range topo {
		inlet, inletOK := samples[st.InletChannel]
		if !inletOK && !invalid[st.InletChannel] {
			return nil, &MismatchError{Stage: i, Channel: st.InletChannel}
		}
		outlet, outletOK := samples[st.OutletChannel]
		if !outletOK && !invalid[st.OutletChannel] {
			return nil, &MismatchError{Stage: i, Channel: st.OutletChannel}
		}
		pairs[i] = Pair{Inlet: inlet, Outlet: outlet, Valid: inletOK && outletOK}
	}
	return pairs, nil
}
