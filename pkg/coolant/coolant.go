// Package coolant provides temperature-dependent fluid properties for the
// supported coolant media.
package coolant

import "fmt"

// Fluid exposes the density and specific heat capacity of a coolant medium
// as functions of temperature in degC (ITS-90 scale).
type Fluid interface {
	Name() string
	// Density in g/cm3 (equivalently kg/L).
	Density(temp float64) float64
	// HeatCapacity in J/(kg*K).
	HeatCapacity(temp float64) float64
}

// ForName returns the fluid for a configured coolant name.
func ForName(name string) (Fluid, error) {
	switch name {
	case "water":
		return water{}, nil
	case "glykol60":
		return glykol60{}, nil
	default:
		return nil, fmt.Errorf("unknown coolant fluid %q", name)
	}
}

type water struct{}

func (water) Name() string { return "water" }

// Density of water. Rational polynomial after Bettin, "Die Dichte des
// Wassers als Funktion der Temperatur nach Einfuehrung der Internationalen
// Temperaturskala von 1990", PTB Mitteilungen 100(3).
func (water) Density(temp float64) float64 {
	num := polyval([]float64{
		-2.8103006e-10, 1.0584601e-7, -4.6241757e-5,
		-7.9905127e-3, 1.6952577e+1, 9.9983952e+2,
	}, temp)
	denom := polyval([]float64{1.6887200e+1, 1000.0}, temp)
	return num / denom
}

var (
	waterCpTemps = []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	waterCpVals  = []float64{
		4217.7, 4192.2, 4181.9, 4178.5, 4178.6, 4180.7,
		4184.4, 4189.6, 4196.4, 4205.1, 4216.0,
	}
)

// HeatCapacity of liquid water between 0 degC and 100 degC, piecewise
// linear interpolation of reference data.
func (water) HeatCapacity(temp float64) float64 {
	return interp(temp, waterCpTemps, waterCpVals)
}

type glykol60 struct{}

func (glykol60) Name() string { return "glykol60" }

// Property tables for a 60% by volume ethylene glycol / water mixture.
// Graph data from BASF "GLYSANTIN Graphs", September 2016.
var (
	glykolRhoTemps = []float64{
		-40, -30, -20, -10, 0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110,
	}
	glykolRhoVals = []float64{
		1.120010, 1.114359, 1.108554, 1.102760, 1.096879, 1.090945,
		1.085007, 1.078812, 1.072367, 1.065847, 1.059047, 1.051983,
		1.044773, 1.037459, 1.030002, 1.022522,
	}
	glykolCpTemps = []float64{
		-40, -35, -30, -25, -20, -15, -10, -5, 0, 5, 10, 15, 20, 25, 30, 35,
		40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105,
	}
	glykolCpVals = []float64{
		2703.30, 2749.60, 2793.74, 2838.47, 2879.21, 2919.42, 2955.72,
		2992.30, 3026.66, 3059.85, 3092.32, 3122.75, 3152.32, 3181.33,
		3208.28, 3234.92, 3259.96, 3285.54, 3309.36, 3331.49, 3354.35,
		3375.35, 3396.78, 3415.90, 3435.59, 3454.44, 3471.16, 3487.49,
		3503.92, 3517.87,
	}
)

func (glykol60) Density(temp float64) float64 {
	return interp(temp, glykolRhoTemps, glykolRhoVals)
}

func (glykol60) HeatCapacity(temp float64) float64 {
	return interp(temp, glykolCpTemps, glykolCpVals)
}

// interp is piecewise-linear interpolation over an ascending table,
// clamped at the table edges.
func interp(x float64, xs, ys []float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[len(xs)-1] {
		return ys[len(ys)-1]
	}
	for i := 1; i < len(xs); i++ {
		if x <= xs[i] {
			frac := (x - xs[i-1]) / (xs[i] - xs[i-1])
			return ys[i-1] + frac*(ys[i]-ys[i-1])
		}
	}
	return ys[len(ys)-1]
}

func polyval(coeffs []float64, x float64) float64 {
	var y float64
	for _, c := range coeffs {
		y = y*x + c
	}
	return y
}
