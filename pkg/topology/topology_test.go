package topology

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/isoflux/pkg/bridge"
	"github.com/itohio/isoflux/pkg/config"
)

func testTopology() []StagePosition {
	return FromConfig([]config.StageConfig{
		{Name: "Pump", Inlet: 0, Outlet: 1},
		{Name: "Laser Head", Inlet: 1, Outlet: 2},
	})
}

func sampleSet(temps map[int]float64) map[int]bridge.TemperatureSample {
	now := time.Now()
	samples := make(map[int]bridge.TemperatureSample, len(temps))
	for ch, temp := range temps {
		samples[ch] = bridge.TemperatureSample{
			Channel:     ch,
			Temperature: temp,
			Timestamp:   now,
		}
	}
	return samples
}

func TestFromConfig(t *testing.T) {
	topo := FromConfig([]config.StageConfig{
		{Name: "Pump", Inlet: 0, Outlet: 1, FlowKgPerSec: 0.01, HeatCapacity: 4186},
		{Name: "Laser Head", Inlet: 1, Outlet: 2},
	})

	require.Len(t, topo, 2)
	assert.Equal(t, 0, topo[0].Index)
	assert.Equal(t, "Pump", topo[0].Name)
	assert.Equal(t, 0, topo[0].InletChannel)
	assert.Equal(t, 1, topo[0].OutletChannel)
	assert.Equal(t, 0.01, topo[0].FlowKgPerSec)
	assert.Equal(t, float64(4186), topo[0].HeatCapacity)

	assert.Equal(t, 1, topo[1].Index)
	assert.Zero(t, topo[1].FlowKgPerSec)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(testTopology()))

	assert.Error(t, Validate(nil))

	bad := testTopology()
	bad[1].InletChannel = bad[1].OutletChannel
	assert.Error(t, Validate(bad))
}

func TestRoute(t *testing.T) {
	topo := testTopology()
	samples := sampleSet(map[int]float64{0: 20.000, 1: 20.050, 2: 20.120})

	pairs, err := Route(samples, nil, topo)
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	assert.True(t, pairs[0].Valid)
	assert.Equal(t, 20.000, pairs[0].Inlet.Temperature)
	assert.Equal(t, 20.050, pairs[0].Outlet.Temperature)

	// The shared joint sensor feeds stage 0's outlet and stage 1's inlet.
	assert.True(t, pairs[1].Valid)
	assert.Equal(t, 20.050, pairs[1].Inlet.Temperature)
	assert.Equal(t, 20.120, pairs[1].Outlet.Temperature)
}

func TestRoute_InvalidChannel(t *testing.T) {
	topo := testTopology()
	samples := sampleSet(map[int]float64{0: 20.000, 2: 20.120})
	invalid := map[int]bool{1: true}

	// An out-of-range channel invalidates the stages touching it but the
	// cycle itself routes fine.
	pairs, err := Route(samples, invalid, topo)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.False(t, pairs[0].Valid)
	assert.False(t, pairs[1].Valid)
}

func TestRoute_Mismatch(t *testing.T) {
	topo := testTopology()

	// Channel 1 neither converted nor marked invalid: the device returned
	// fewer channels than the topology references.
	samples := sampleSet(map[int]float64{0: 20.000, 2: 20.120})

	pairs, err := Route(samples, nil, topo)
	require.Error(t, err)
	assert.Nil(t, pairs)

	var mismatch *MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 0, mismatch.Stage)
	assert.Equal(t, 1, mismatch.Channel)
	assert.Contains(t, mismatch.Error(), "topology mismatch")
}
