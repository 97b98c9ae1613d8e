// Package ina219 drives a TI INA219 current/power monitor over I2C, as found
// on the Waveshare UPS HAT (C) and UPS S3 boards.
package ina219

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// Register addresses. All registers are 16 bit, big endian.
const (
	regConfig       = 0x00
	regShuntVoltage = 0x01
	regBusVoltage   = 0x02
	regPower        = 0x03
	regCurrent      = 0x04
	regCalibration  = 0x05
)

// Configuration register fields.
const (
	range16V = 0x0000 // bus voltage range bit (13), 0 selects 16V
	gain8    = 0x3 << 11

	// 12 bit resolution with 32 sample averaging, for both ADCs.
	adcRes12Bit32S = 0xD

	modeShuntBusContinuous = 0x7

	configValue = range16V | gain8 | adcRes12Bit32S<<7 | adcRes12Bit32S<<3 | modeShuntBusContinuous
)

// Calibration for a 2A range with the stock 0.1 ohm shunt. Fixes the scale of
// the current and power registers.
const (
	calibrationValue = 4096
	currentLSBMA     = 0.1   // mA per current register count
	powerLSBW        = 0.002 // W per power register count
	busVoltageLSB    = 0.004 // V per bus voltage count (register bits 15..3)
	shuntVoltageLSB  = 0.00001
)

// Reading is one full measurement cycle from the sensor.
type Reading struct {
	BusVoltage   float64 // V on the load side of the shunt
	ShuntVoltage float64 // V across the shunt
	CurrentMA    float64 // mA, negative when discharging into the load
	Power        float64 // W, from the power register
	Overflow     bool    // internal math overflow flag
}

// Config is the decoded configuration register, for diagnostics.
type Config struct {
	BusVoltageRange    uint16
	Gain               uint16
	BusADCResolution   uint16
	ShuntADCResolution uint16
	Mode               uint16
}

// Dev is an INA219 on an I2C bus.
type Dev struct {
	dev *i2c.Dev
}

// Connect sets up the INA219 at the given address. The device is calibrated
// and configured for a 16V bus range with 32 sample averaging; settings are
// fixed for the life of the process.
func Connect(bus i2c.Bus, addr uint16) (*Dev, error) {
	d := &Dev{dev: &i2c.Dev{Bus: bus, Addr: addr}}
	if err := d.writeRegister(regCalibration, calibrationValue); err != nil {
		return nil, fmt.Errorf("calibrating INA219 at 0x%X: %w", addr, err)
	}
	if err := d.writeRegister(regConfig, configValue); err != nil {
		return nil, fmt.Errorf("configuring INA219 at 0x%X: %w", addr, err)
	}
	return d, nil
}

// Read performs one measurement cycle.
func (d *Dev) Read() (Reading, error) {
	busRaw, err := d.readRegister(regBusVoltage)
	if err != nil {
		return Reading{}, err
	}
	shuntRaw, err := d.readRegister(regShuntVoltage)
	if err != nil {
		return Reading{}, err
	}
	currentRaw, err := d.readRegister(regCurrent)
	if err != nil {
		return Reading{}, err
	}
	powerRaw, err := d.readRegister(regPower)
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		BusVoltage:   float64(busRaw>>3) * busVoltageLSB,
		ShuntVoltage: float64(int16(shuntRaw)) * shuntVoltageLSB,
		CurrentMA:    float64(int16(currentRaw)) * currentLSBMA,
		Power:        float64(powerRaw) * powerLSBW,
		Overflow:     busRaw&0x1 != 0,
	}, nil
}

// Config reads back the configuration register.
func (d *Dev) Config() (Config, error) {
	raw, err := d.readRegister(regConfig)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BusVoltageRange:    raw >> 13 & 0x1,
		Gain:               raw >> 11 & 0x3,
		BusADCResolution:   raw >> 7 & 0xF,
		ShuntADCResolution: raw >> 3 & 0xF,
		Mode:               raw & 0x7,
	}, nil
}

func (d *Dev) readRegister(register byte) (uint16, error) {
	data := make([]byte, 2)
	if err := d.dev.Tx([]byte{register}, data); err != nil {
		return 0, err
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

func (d *Dev) writeRegister(register byte, value uint16) error {
	_, err := d.dev.Write([]byte{register, byte(value >> 8), byte(value)})
	return err
}
