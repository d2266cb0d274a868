package coolant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForName(t *testing.T) {
	water, err := ForName("water")
	require.NoError(t, err)
	assert.Equal(t, "water", water.Name())

	glykol, err := ForName("glykol60")
	require.NoError(t, err)
	assert.Equal(t, "glykol60", glykol.Name())

	_, err = ForName("mercury")
	assert.Error(t, err)
}

func TestWaterDensity(t *testing.T) {
	water, err := ForName("water")
	require.NoError(t, err)

	// Reference densities in g/cm3.
	tests := []struct {
		temp float64
		want float64
	}{
		{0, 0.999840},
		{4, 0.999972}, // density maximum
		{20, 0.998207},
		{25, 0.997047},
		{50, 0.988035},
		{80, 0.971801},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, water.Density(tt.temp), 1e-4, "at %.0f degC", tt.temp)
	}

	// Liquid water is densest near 4 degC.
	assert.Greater(t, water.Density(4), water.Density(0))
	assert.Greater(t, water.Density(4), water.Density(10))
}

func TestWaterHeatCapacity(t *testing.T) {
	water, err := ForName("water")
	require.NoError(t, err)

	assert.InDelta(t, 4217.7, water.HeatCapacity(0), 1e-9)
	assert.InDelta(t, 4181.9, water.HeatCapacity(20), 1e-9)

	// Midpoint between table rows interpolates linearly.
	assert.InDelta(t, (4181.9+4178.5)/2, water.HeatCapacity(25), 1e-9)

	// Outside the table the value clamps to the edge rows.
	assert.InDelta(t, 4217.7, water.HeatCapacity(-20), 1e-9)
	assert.InDelta(t, 4216.0, water.HeatCapacity(150), 1e-9)
}

func TestGlykol60(t *testing.T) {
	glykol, err := ForName("glykol60")
	require.NoError(t, err)

	assert.InDelta(t, 1.085007, glykol.Density(20), 1e-6)
	assert.InDelta(t, 3026.66, glykol.HeatCapacity(0), 1e-9)
	assert.InDelta(t, (3152.32+3181.33)/2, glykol.HeatCapacity(22.5), 1e-9)

	// The mixture stays liquid and tabulated well below freezing.
	assert.InDelta(t, 1.120010, glykol.Density(-40), 1e-6)
	assert.InDelta(t, 2703.30, glykol.HeatCapacity(-40), 1e-9)

	// Glycol is denser but carries less heat per kilogram than water.
	water, err := ForName("water")
	require.NoError(t, err)
	assert.Greater(t, glykol.Density(20), water.Density(20))
	assert.Less(t, glykol.HeatCapacity(20), water.HeatCapacity(20))
}
