//go:build tinygo

package main

import "machine"

// Pin assignment for the XIAO SAMD21 bridge board. Both ADS1256 devices
// share the SPI bus; each has its own chip select and data-ready line.
const (
	PIN_SCK  = machine.SCK_PIN
	PIN_SDO  = machine.SDO_PIN
	PIN_SDI  = machine.SDI_PIN
	PIN_CS_A = machine.D2
	PIN_CS_B = machine.D3

	PIN_DRDY_A = machine.D6
	PIN_DRDY_B = machine.D7

	UART_BAUD_RATE = 115200

	// ADS1256 SPI: mode 1, at most 1/4 of the 7.68 MHz master clock.
	SPI_FREQUENCY = 1000000
)
