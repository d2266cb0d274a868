// Package bridge converts raw ADC codes from the deflection-bridge analog
// frontend into calibrated temperatures.
//
// Each channel is a single active arm in a multi-leg deflection bridge:
// the platinum RTD sits below a series resistor R_S on the measurement
// leg, measured against a fixed reference divider with ratio NRef. The
// unbalance voltage maps to the sensor resistance, and the inverted
// Callendar equation maps resistance to temperature on the ITS-90 scale.
package bridge

import (
	"fmt"
	"math"
	"time"

	"github.com/itohio/isoflux/pkg/config"
)

// TemperatureSample is a calibrated per-channel temperature for one cycle.
type TemperatureSample struct {
	Channel     int
	Temperature float64 // degC, millikelvin resolution
	Uncertainty float64 // K, one-code propagated estimate
	Timestamp   time.Time
}

// OutOfRangeError reports a resistance or temperature outside the sensor's
// valid domain. It invalidates the channel for the cycle, not the cycle.
type OutOfRangeError struct {
	Channel     int
	Resistance  float64
	Temperature float64
	Reason      string
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("channel %d out of calibration range: %s (r=%.3f Ohm, t=%.3f degC)",
		e.Channel, e.Reason, e.Resistance, e.Temperature)
}

// Converter maps raw codes to temperatures using per-channel calibrations.
type Converter struct {
	cals map[int]config.ChannelConfig
}

// NewConverter builds a converter from the configured channel calibrations.
func NewConverter(channels []config.ChannelConfig) *Converter {
	cals := make(map[int]config.ChannelConfig, len(channels))
	for _, ch := range channels {
		cals[ch.ID] = ch
	}
	return &Converter{cals: cals}
}

// Convert turns one channel's raw code into a calibrated temperature.
// The resistance and temperature are also returned embedded in the
// OutOfRangeError when the reading falls outside the rated domain, which
// catches disconnected (rail) and shorted sensors.
func (c *Converter) Convert(channel int, code int32, ts time.Time) (TemperatureSample, error) {
	cal, ok := c.cals[channel]
	if !ok {
		return TemperatureSample{}, fmt.Errorf("no calibration for channel %d", channel)
	}

	vpd := VoltsPerDigit(cal)
	ud := (float64(code) - cal.Offset) * vpd
	u0 := referenceVoltage(cal)

	denom := u0*cal.NRef - ud
	if denom <= 0 {
		return TemperatureSample{}, &OutOfRangeError{
			Channel: channel,
			Reason:  "bridge deflection at rail (sensor disconnected?)",
		}
	}

	r := Wheatstone(ud, u0, cal.NRef, cal.SeriesResistance) - cal.ROffset
	if r <= 0 {
		return TemperatureSample{}, &OutOfRangeError{
			Channel:    channel,
			Resistance: r,
			Reason:     "non-positive resistance (sensor shorted?)",
		}
	}

	temp := Temperature(r, cal) - cal.TOffset
	if math.IsNaN(temp) {
		// Beyond r/r0 ~ 7.6 the Callendar discriminant goes negative; no
		// physical sensor reaches that, so the input leg must be open.
		return TemperatureSample{}, &OutOfRangeError{
			Channel:    channel,
			Resistance: r,
			Reason:     "resistance beyond sensor characteristic (sensor disconnected?)",
		}
	}
	if temp < cal.MinTemp || temp > cal.MaxTemp {
		return TemperatureSample{}, &OutOfRangeError{
			Channel:     channel,
			Resistance:  r,
			Temperature: temp,
			Reason:      fmt.Sprintf("outside rated range [%.1f, %.1f]", cal.MinTemp, cal.MaxTemp),
		}
	}

	return TemperatureSample{
		Channel:     channel,
		Temperature: temp,
		Uncertainty: codeUncertainty(cal, ud, u0, r, temp),
		Timestamp:   ts,
	}, nil
}

// VoltsPerDigit returns the differential input voltage represented by one
// ADC code for the channel's gain and reference (24-bit full scale).
func VoltsPerDigit(cal config.ChannelConfig) float64 {
	return cal.VRef * 2.0 / (cal.Gain * float64(1<<23-1))
}

// referenceVoltage is the absolute voltage of the reference bridge leg.
func referenceVoltage(cal config.ChannelConfig) float64 {
	return cal.Excitation / (cal.NRef + 1)
}

// Wheatstone returns the unknown resistance of a deflection bridge.
//
//	ud:   bridge voltage differential
//	u0:   reference bridge leg absolute voltage
//	nref: reference bridge leg resistance ratio rs0/r0
//	rs:   measurement bridge leg series resistor
//
//	  _______
//	  |      |
//	 rs     rs0       nref = rs0/r0
//	  |-ud->-|..u0
//	 r       r0
//	  |      |
//	  _______ ..0V
func Wheatstone(ud, u0, nref, rs float64) float64 {
	return rs * (u0 + ud) / (u0*nref - ud)
}

// Temperature inverts the Callendar polynomial r = r0*(1 + A*t + B*t^2)
// for the temperature of a platinum RTD on the ITS-90 scale. The quadratic
// solution is exact for positive temperatures; below 0 degC a fifth-order
// polynomial correction fitted against the numerically inverted
// Callendar-Van Dusen equation is added.
func Temperature(r float64, cal config.ChannelConfig) float64 {
	a, b := cal.CoeffA, cal.CoeffB
	rNorm := r / cal.R0
	theta := (-a + math.Sqrt(a*a-4*b*(1-rNorm))) / (2 * b)
	if rNorm < 1.0 {
		// Correction fitted for the ITS-90 coefficients.
		theta += polyval(negCorrection, rNorm)
	}
	return theta
}

// negCorrection holds the below-zero correction polynomial coefficients,
// highest order first.
var negCorrection = []float64{
	1.51892983e+00, -2.85842067e+00, -5.34227299e+00,
	1.80282972e+01, -1.61875985e+01, 4.84112370e+00,
}

func polyval(coeffs []float64, x float64) float64 {
	var y float64
	for _, c := range coeffs {
		y = y*x + c
	}
	return y
}

// SensorResistance is the forward Callendar polynomial: the RTD resistance
// at the given temperature. Used by the mock frontend and round-trip tests.
func SensorResistance(cal config.ChannelConfig, temp float64) float64 {
	return cal.R0 * (1 + cal.CoeffA*temp + cal.CoeffB*temp*temp)
}

// SynthesizeCode runs the conversion backwards: the raw code a channel
// would report at the given sensor temperature. The forward path matches
// Convert exactly for temperatures at or above 0 degC.
func SynthesizeCode(cal config.ChannelConfig, temp float64) int32 {
	r := SensorResistance(cal, temp+cal.TOffset) + cal.ROffset
	u0 := referenceVoltage(cal)
	// Inverse of the Wheatstone deflection equation.
	ud := u0 * (r*cal.NRef - cal.SeriesResistance) / (cal.SeriesResistance + r)
	code := ud/VoltsPerDigit(cal) + cal.Offset
	return int32(math.Round(code))
}

// codeUncertainty propagates one code of bridge voltage through the local
// bridge and sensor slopes.
func codeUncertainty(cal config.ChannelConfig, ud, u0, r, temp float64) float64 {
	vpd := VoltsPerDigit(cal)
	denom := u0*cal.NRef - ud
	// dr/dud of the deflection equation.
	drdu := cal.SeriesResistance * u0 * (cal.NRef + 1) / (denom * denom)
	// dt/dr of the Callendar polynomial.
	dtdr := 1.0 / (cal.R0 * (cal.CoeffA + 2*cal.CoeffB*temp))
	return math.Abs(vpd * drdu * dtdr)
}
