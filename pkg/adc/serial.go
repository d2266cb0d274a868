package adc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial reads conversion cycles from the bridge MCU that drives both
// ADS1256 devices. The MCU issues staggered start commands, polls both
// data-ready lines and emits one line per completed cycle:
//
//	unix_micros,skew_us,code0,code1,...,codeN-1
//
// where N is the configured channel count and skew_us is the measured
// completion offset between the two devices.
type Serial struct {
	port     string
	baudRate int
	channels int
	maxSkew  time.Duration
	timeout  time.Duration

	conn      serial.Port
	cycles    chan cycleResult
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
}

type cycleResult struct {
	cycle Cycle
	err   error
}

// NewSerial creates a frontend reading from the given serial port.
func NewSerial(port string, baudRate, channels int, maxSkew, timeout time.Duration) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Serial{
		port:     port,
		baudRate: baudRate,
		channels: channels,
		maxSkew:  maxSkew,
		timeout:  timeout,
		cycles:   make(chan cycleResult, DefaultBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Connect opens the serial port and starts reading cycles.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = port
	d.connected = true

	go d.readCycles()

	return nil
}

// Close closes the connection and stops reading cycles.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("Error closing serial port: %v", err)
		}
		d.conn = nil
	}

	d.connected = false
	close(d.cycles)

	return nil
}

// IsConnected returns whether the frontend is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// NextCycle blocks until the next complete cycle arrives, the acquisition
// timeout elapses, or the context is cancelled. A FaultError consumes the
// faulted cycle; the caller drops it and calls NextCycle again.
func (d *Serial) NextCycle(ctx context.Context) (Cycle, error) {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res, ok := <-d.cycles:
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

// readCycles reads lines from the serial port and parses them into cycles.
func (d *Serial) readCycles() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic in readCycles: %v", r)
		}
	}()

	scanner := bufio.NewScanner(d.conn)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && err != io.EOF {
					log.Printf("Error reading from serial port: %v", err)
				}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			cycle, err := parseCycle(line, d.channels, d.maxSkew)

			select {
			case d.cycles <- cycleResult{cycle: cycle, err: err}:
			case <-d.ctx.Done():
				return
			default:
				log.Printf("Cycles channel full, dropping cycle")
			}
		}
	}
}

// parseCycle parses one MCU line into a Cycle. Any malformed field,
// out-of-range code or excessive inter-device skew is a FaultError.
func parseCycle(line string, channels int, maxSkew time.Duration) (Cycle, error) {
	parts := strings.Split(line, ",")
	if len(parts) != channels+2 {
		return Cycle{}, &FaultError{
			Reason: fmt.Sprintf("expected %d comma-separated values, got %d", channels+2, len(parts)),
		}
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cycle{}, &FaultError{Reason: "invalid timestamp", Err: err}
	}
	timestamp := time.Unix(0, micros*1000)

	skewMicros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cycle{}, &FaultError{Reason: "invalid skew", Err: err}
	}
	skew := time.Duration(skewMicros) * time.Microsecond
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return Cycle{}, &FaultError{
			Reason: fmt.Sprintf("inter-device skew %v exceeds %v", skew, maxSkew),
		}
	}

	samples := make([]RawSample, channels)
	for i := 0; i < channels; i++ {
		code, err := strconv.ParseInt(parts[i+2], 10, 32)
		if err != nil {
			return Cycle{}, &FaultError{Reason: fmt.Sprintf("invalid code on channel %d", i), Err: err}
		}
		if code > MaxCode || code < -MaxCode {
			return Cycle{}, &FaultError{
				Reason: fmt.Sprintf("code %d out of range on channel %d", code, i),
			}
		}

		// Channels 0-7 live on the first device, 8-15 on the second;
		// the second device's conversions complete skew later.
		ts := timestamp
		if i >= 8 {
			ts = timestamp.Add(skew)
		}

		samples[i] = RawSample{
			Channel:   i,
			Code:      int32(code),
			Timestamp: ts,
		}
	}

	return Cycle{
		Timestamp: timestamp,
		Skew:      skew,
		Samples:   samples,
	}, nil
}
