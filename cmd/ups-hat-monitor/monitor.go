/*
ups-hat-monitor - Monitors a Waveshare UPS HAT over I2C
Copyright (C) 2024, ups-hat-monitor contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/pi-ups/ups-hat-monitor/battery"
	"github.com/pi-ups/ups-hat-monitor/ina219"
)

const (
	maxReadAttempts   = 3
	readRetryInterval = time.Second

	countdownSeconds     = 10
	countdownStepSeconds = 3
)

type sensor interface {
	Read() (ina219.Reading, error)
}

type alerter interface {
	Low(title, body string)
	Critical(title, body string)
}

type monitor struct {
	conf     Config
	sensor   sensor
	alerts   alerter
	sleep    func(time.Duration)
	poweroff func() error

	lastLogTime time.Time
}

func newMonitor(conf Config, s sensor, a alerter) *monitor {
	return &monitor{
		conf:     conf,
		sensor:   s,
		alerts:   a,
		sleep:    time.Sleep,
		poweroff: poweroff,
	}
}

// Run polls the UPS until the battery is depleted and a shutdown has been
// issued, or a sensor fault exhausts its retries.
func (m *monitor) Run() error {
	for {
		shuttingDown, err := m.runCycle()
		if err != nil {
			return err
		}
		if shuttingDown {
			return nil
		}
		m.sleep(m.conf.CheckInterval)
	}
}

func (m *monitor) runCycle() (bool, error) {
	reading, err := m.read()
	if err != nil {
		return false, err
	}

	percent := m.conf.Profile.Percent(reading.BusVoltage)
	powerCalc := battery.DerivedPower(reading.BusVoltage, reading.CurrentMA)
	m.logReading(reading, powerCalc, percent)

	if reading.Overflow {
		log.Warn("Internal math overflow detected on the INA219")
	}

	if powerCalc <= battery.OnBatteryPower {
		log.Info("No input voltage detected")
		m.alerts.Low("Battery Alert", fmt.Sprintf(
			"Running on the UPS battery: %.2f%% left on battery", percent))
	}

	if percent <= m.conf.LowBattery {
		m.alerts.Low("Battery Alert", fmt.Sprintf(
			"UPS battery low: %.2f%% remaining! Charge ASAP!", percent))
	}

	if percent <= m.conf.ShutdownBattery {
		return m.shutdownSequence(percent, powerCalc)
	}
	return false, nil
}

func (m *monitor) read() (ina219.Reading, error) {
	var lastErr error
	for i := 0; i < maxReadAttempts; i++ {
		if i > 0 {
			m.sleep(readRetryInterval)
		}
		reading, err := m.sensor.Read()
		if err == nil {
			return reading, nil
		}
		lastErr = err
		log.Errorf("Reading UPS sensor (attempt %d of %d): %v", i+1, maxReadAttempts, err)
	}
	return ina219.Reading{}, fmt.Errorf("reading UPS sensor: %w", lastErr)
}

// shutdownSequence runs the countdown and, unless power came back, powers the
// system off. The percent and power values are the ones computed before the
// countdown started; the sensor is not re-sampled until the next cycle, so a
// power reconnection during the countdown is only noticed at the final check.
func (m *monitor) shutdownSequence(percent, powerCalc float64) (bool, error) {
	m.alerts.Critical("Battery Critical", fmt.Sprintf(
		"Battery critically low: %.2f%% remaining! Plug into power or the system will shut down in %d seconds.",
		percent, countdownSeconds))

	for i := countdownSeconds; i > 0; i -= countdownStepSeconds {
		m.alerts.Critical("Battery Critical", fmt.Sprintf("Shutting down in %d seconds...", i))
		m.sleep(countdownStepSeconds * time.Second)
	}

	if percent <= m.conf.ShutdownBattery && powerCalc <= battery.ConfirmShutdownPower {
		m.alerts.Critical("Battery Critical", fmt.Sprintf(
			"Battery is critical: %.2f%%. System is shutting down...", percent))
		if m.conf.SkipSystemShutdown {
			log.Info("Skipping system shutdown.")
			return true, nil
		}
		if err := m.poweroff(); err != nil {
			// The system is not going to protect itself, the battery is
			// about to run flat. Report on every channel still standing.
			log.Errorf("Power off failed: %v", err)
			m.alerts.Critical("Battery Critical", fmt.Sprintf(
				"Automatic shutdown FAILED: %v. Shut down manually now.", err))
		}
		return true, nil
	}

	m.alerts.Low("Battery Alert", fmt.Sprintf("Battery is charging: %.2f%%", percent))
	return false, nil
}

func (m *monitor) logReading(r ina219.Reading, powerCalc, percent float64) {
	logf := log.Debugf
	if time.Since(m.lastLogTime) > m.conf.LogRate {
		logf = log.Infof
		m.lastLogTime = time.Now()
	}
	logf("Voltage (VIN+) : %6.3f   V", r.BusVoltage+r.ShuntVoltage)
	logf("Voltage (VIN-) : %6.3f   V", r.BusVoltage)
	logf("Shunt Voltage  : %8.5f V", r.ShuntVoltage)
	logf("Shunt Current  : %7.4f  A", r.CurrentMA/1000)
	logf("Power Calc.    : %8.5f W", powerCalc)
	logf("Power Register : %6.3f   W", r.Power)
	logf("Percent        : %6.2f%%", percent)
}

func poweroff() error {
	output, err := exec.Command("/sbin/poweroff").CombinedOutput()
	if err != nil {
		return fmt.Errorf("power off failed: %v\n%s", err, output)
	}
	return nil
}
