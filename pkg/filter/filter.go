// Package filter smooths per-channel temperature samples to reach the
// target resolution. Raw 24-bit codes carry quantization and thermal noise
// above the millikelvin target for a single sample; averaging trades
// latency for precision.
package filter

import (
	"fmt"
	"math"

	"github.com/itohio/isoflux/pkg/bridge"
	"github.com/itohio/isoflux/pkg/config"
)

// Bank maintains one rolling window per channel. It is exclusively owned
// by the pipeline coordinator and accessed strictly cycle-serially, so it
// carries no locking.
type Bank struct {
	window int
	ewma   bool
	alpha  float64

	channels map[int]*channelState
}

type channelState struct {
	// SMA ring
	samples []float64
	count   int
	next    int
	sum     float64

	// EWMA accumulator
	avg    float64
	primed bool
	n      int
}

// NewBank creates a filter bank with the configured window and mode.
func NewBank(cfg config.FilterConfig) (*Bank, error) {
	if cfg.Window < 1 {
		return nil, fmt.Errorf("filter window %d must be at least 1", cfg.Window)
	}

	b := &Bank{
		window:   cfg.Window,
		channels: make(map[int]*channelState),
	}

	switch cfg.Mode {
	case "sma":
	case "ewma":
		b.ewma = true
		b.alpha = 2.0 / (float64(cfg.Window) + 1)
	default:
		return nil, fmt.Errorf("unknown filter mode %q", cfg.Mode)
	}

	return b, nil
}

// Push adds a sample to the channel's window and returns the smoothed
// sample. Timestamp and channel pass through; the uncertainty shrinks
// with the effective number of averaged samples.
func (b *Bank) Push(s bridge.TemperatureSample) bridge.TemperatureSample {
	st, ok := b.channels[s.Channel]
	if !ok {
		st = &channelState{samples: make([]float64, b.window)}
		b.channels[s.Channel] = st
	}

	out := s
	if b.ewma {
		if !st.primed {
			st.avg = s.Temperature
			st.primed = true
		} else {
			st.avg += b.alpha * (s.Temperature - st.avg)
		}
		if st.n < b.window {
			st.n++
		}
		out.Temperature = st.avg
		// Steady-state noise gain of an exponential filter.
		out.Uncertainty = s.Uncertainty * math.Sqrt(b.alpha/(2-b.alpha))
		return out
	}

	if st.count == b.window {
		st.sum -= st.samples[st.next]
	} else {
		st.count++
	}
	st.samples[st.next] = s.Temperature
	st.sum += s.Temperature
	st.next = (st.next + 1) % b.window

	out.Temperature = st.sum / float64(st.count)
	out.Uncertainty = s.Uncertainty / math.Sqrt(float64(st.count))
	return out
}

// Reset clears every channel's window. Called after a dropped cycle so
// pre- and post-fault data of unknown continuity are never mixed.
func (b *Bank) Reset() {
	b.channels = make(map[int]*channelState)
}

// Warm reports whether every channel seen so far has a full window.
func (b *Bank) Warm() bool {
	if len(b.channels) == 0 {
		return false
	}
	for _, st := range b.channels {
		if b.ewma {
			if st.n < b.window {
				return false
			}
		} else if st.count < b.window {
			return false
		}
	}
	return true
}

// Window returns the configured window length.
func (b *Bank) Window() int { return b.window }
