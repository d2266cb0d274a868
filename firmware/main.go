//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"time"
)

// ADS1256 command opcodes and registers.
const (
	cmdWakeup  = 0xFF
	cmdRdata   = 0x01
	cmdSync    = 0xFC
	cmdReset   = 0xFE
	cmdSelfcal = 0xF0
	cmdWreg    = 0x50

	regMux   = 0x01
	regAdcon = 0x02
	regDrate = 0x03

	// 50 SPS puts filter zeros at 50 Hz and 60 Hz for line rejection.
	drate50SPS = 0x63
	// Clock out off, sensor detect off, PGA gain 8.
	adconGain8 = 0x03

	channelsPerDevice = 8
)

var (
	spi  = machine.SPI0
	uart = machine.UART0

	csA = PIN_CS_A
	csB = PIN_CS_B

	drdyA = PIN_DRDY_A
	drdyB = PIN_DRDY_B
)

func main() {
	uart.Configure(machine.UARTConfig{BaudRate: UART_BAUD_RATE})

	spi.Configure(machine.SPIConfig{
		Frequency: SPI_FREQUENCY,
		Mode:      1,
		SCK:       PIN_SCK,
		SDO:       PIN_SDO,
		SDI:       PIN_SDI,
	})

	csA.Configure(machine.PinConfig{Mode: machine.PinOutput})
	csB.Configure(machine.PinConfig{Mode: machine.PinOutput})
	csA.High()
	csB.High()
	drdyA.Configure(machine.PinConfig{Mode: machine.PinInput})
	drdyB.Configure(machine.PinConfig{Mode: machine.PinInput})

	initDevice(csA, drdyA)
	initDevice(csB, drdyB)

	var codes [2 * channelsPerDevice]int32

	for {
		cycleStart := time.Now()
		var skew time.Duration

		for ch := 0; ch < channelsPerDevice; ch++ {
			// Start both conversions before blocking on either, so the
			// second device converts while the first is read out.
			startConversion(csA, uint8(ch))
			startConversion(csB, uint8(ch))

			waitDRDY(drdyA)
			doneA := time.Now()
			codes[ch] = readData(csA)

			waitDRDY(drdyB)
			doneB := time.Now()
			codes[channelsPerDevice+ch] = readData(csB)

			if ch == 0 {
				skew = doneB.Sub(doneA)
			}
		}

		emitCycle(cycleStart, skew, codes[:])
	}
}

// initDevice resets the chip, programs data rate and gain, and runs a
// self calibration.
func initDevice(cs machine.Pin, drdy machine.Pin) {
	cs.Low()
	spi.Transfer(cmdReset)
	cs.High()
	time.Sleep(10 * time.Millisecond)

	writeRegister(cs, regDrate, drate50SPS)
	writeRegister(cs, regAdcon, adconGain8)

	cs.Low()
	spi.Transfer(cmdSelfcal)
	cs.High()
	waitDRDY(drdy)
}

// startConversion selects the input channel against AINCOM and restarts
// the conversion without blocking.
func startConversion(cs machine.Pin, channel uint8) {
	// Positive input = channel, negative input = AINCOM (0x08).
	writeRegister(cs, regMux, channel<<4|0x08)
	cs.Low()
	spi.Transfer(cmdSync)
	spi.Transfer(cmdWakeup)
	cs.High()
}

func writeRegister(cs machine.Pin, reg, value uint8) {
	cs.Low()
	spi.Transfer(cmdWreg | reg)
	spi.Transfer(0x00) // Write one register
	spi.Transfer(value)
	cs.High()
}

func waitDRDY(drdy machine.Pin) {
	for drdy.Get() {
	}
}

// readData reads the 24-bit conversion result, sign-extended to 32 bits.
func readData(cs machine.Pin) int32 {
	cs.Low()
	spi.Transfer(cmdRdata)
	// t6 delay between command and data: 50 master clock periods.
	time.Sleep(7 * time.Microsecond)
	b2, _ := spi.Transfer(0x00)
	b1, _ := spi.Transfer(0x00)
	b0, _ := spi.Transfer(0x00)
	cs.High()

	u := uint32(b2)<<16 | uint32(b1)<<8 | uint32(b0)
	if u&0x800000 != 0 {
		u |= 0xFF000000
	}
	return int32(u)
}

// emitCycle writes one cycle line: unix_micros,skew_us,code0,...,code15
func emitCycle(start time.Time, skew time.Duration, codes []int32) {
	writeInt(start.UnixMicro())
	uart.WriteByte(',')
	writeInt(skew.Microseconds())
	for _, code := range codes {
		uart.WriteByte(',')
		writeInt(int64(code))
	}
	uart.WriteByte('\r')
	uart.WriteByte('\n')
}

// writeInt prints a decimal integer without allocating.
func writeInt(v int64) {
	var buf [20]byte
	neg := v < 0
	if neg {
		v = -v
	}
	pos := len(buf)
	for {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	uart.Write(buf[pos:])
}
