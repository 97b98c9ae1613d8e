package main

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/pi-ups/ups-hat-monitor/battery"
	"github.com/pi-ups/ups-hat-monitor/ina219"
)

type fakeSensor struct {
	reading ina219.Reading
	errs    []error
	calls   int
}

func (f *fakeSensor) Read() (ina219.Reading, error) {
	defer func() { f.calls++ }()
	if f.calls < len(f.errs) && f.errs[f.calls] != nil {
		return ina219.Reading{}, f.errs[f.calls]
	}
	return f.reading, nil
}

type fakeAlerter struct {
	low      []string
	critical []string
}

func (f *fakeAlerter) Low(title, body string)      { f.low = append(f.low, body) }
func (f *fakeAlerter) Critical(title, body string) { f.critical = append(f.critical, body) }

func testConfig() Config {
	return Config{
		LowBattery:      25.0,
		ShutdownBattery: 10.0,
		CheckInterval:   10 * time.Second,
		LogRate:         5 * time.Minute,
		Profile:         battery.HatC,
		Address:         battery.HatC.Addr,
	}
}

func newTestMonitor(conf Config, s sensor) (*monitor, *fakeAlerter, *[]time.Duration, *int) {
	alerts := &fakeAlerter{}
	sleeps := &[]time.Duration{}
	poweroffs := new(int)
	m := newMonitor(conf, s, alerts)
	m.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	m.poweroff = func() error { *poweroffs++; return nil }
	return m, alerts, sleeps, poweroffs
}

func TestEmptyBatteryRunsCountdownButAbortsWhenCharging(t *testing.T) {
	// At the empty reference voltage the estimate is 0, which is below both
	// thresholds. Positive derived power means the charger is connected, so
	// the confirm step must abort the shutdown.
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.0, CurrentMA: 100}}
	m, alerts, _, poweroffs := newTestMonitor(testConfig(), s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.False(t, shuttingDown)
	assert.Zero(t, *poweroffs)

	assert.Len(t, alerts.low, 2)
	assert.Contains(t, alerts.low[0], "0.00% remaining")
	assert.Contains(t, alerts.low[1], "Battery is charging: 0.00%")

	// Entry alert plus the 10, 7, 4, 1 second countdown steps.
	assert.Len(t, alerts.critical, 5)
	assert.Contains(t, alerts.critical[1], "10 seconds")
	assert.Contains(t, alerts.critical[2], "7 seconds")
	assert.Contains(t, alerts.critical[3], "4 seconds")
	assert.Contains(t, alerts.critical[4], "1 seconds")
}

func TestFullBatteryFiresNoAlerts(t *testing.T) {
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 4.1, CurrentMA: 100}}
	m, alerts, sleeps, poweroffs := newTestMonitor(testConfig(), s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.False(t, shuttingDown)
	assert.Empty(t, alerts.low)
	assert.Empty(t, alerts.critical)
	assert.Empty(t, *sleeps)
	assert.Zero(t, *poweroffs)
}

func TestEstimateAtExactThresholdEntersCountdown(t *testing.T) {
	conf := testConfig()
	conf.ShutdownBattery = battery.HatC.Percent(3.1)
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.1, CurrentMA: 500}}
	m, alerts, _, poweroffs := newTestMonitor(conf, s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	// Power restored during the countdown window, back to monitoring.
	assert.False(t, shuttingDown)
	assert.Zero(t, *poweroffs)
	assert.NotEmpty(t, alerts.critical)
	assert.Contains(t, alerts.low[len(alerts.low)-1], "Battery is charging")
}

func TestDepletedBatteryOnBatteryPowerShutsDown(t *testing.T) {
	// 3.1V is ~9.1%, below the 10% shutdown threshold. -1500mA discharge
	// gives -4.65W derived power, below the confirm threshold.
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.1, CurrentMA: -1500}}
	m, alerts, sleeps, poweroffs := newTestMonitor(testConfig(), s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.True(t, shuttingDown)
	assert.Equal(t, 1, *poweroffs)

	// Low battery alert only; -4.65W is not low enough for the
	// running-on-battery alert.
	assert.Len(t, alerts.low, 1)
	assert.Contains(t, alerts.low[0], "Charge ASAP")

	// Entry, four countdown steps, final shutdown alert.
	assert.Len(t, alerts.critical, 6)
	assert.Contains(t, alerts.critical[5], "shutting down")

	// One 3s sleep per countdown step.
	assert.Equal(t, []time.Duration{
		3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second,
	}, *sleeps)
}

func TestRunStopsAfterShutdown(t *testing.T) {
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.1, CurrentMA: -1500}}
	m, _, _, poweroffs := newTestMonitor(testConfig(), s)

	assert.NoError(t, m.Run())
	assert.Equal(t, 1, *poweroffs)
	// The loop never came back around for another reading.
	assert.Equal(t, 1, s.calls)
}

func TestSkipSystemShutdown(t *testing.T) {
	conf := testConfig()
	conf.SkipSystemShutdown = true
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.1, CurrentMA: -1500}}
	m, _, _, poweroffs := newTestMonitor(conf, s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.True(t, shuttingDown)
	assert.Zero(t, *poweroffs)
}

func TestPoweroffFailureReportsLoudlyWithoutCrashing(t *testing.T) {
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.1, CurrentMA: -1500}}
	m, alerts, _, _ := newTestMonitor(testConfig(), s)
	m.poweroff = func() error { return errors.New("exec: /sbin/poweroff: no such file") }

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.True(t, shuttingDown)
	assert.Contains(t, alerts.critical[len(alerts.critical)-1], "FAILED")
}

func TestOverflowWarnsWithoutChangingDecisions(t *testing.T) {
	hook := logtest.NewLocal(log)
	defer hook.Reset()

	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.9, CurrentMA: 100, Overflow: true}}
	m, alerts, _, poweroffs := newTestMonitor(testConfig(), s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.False(t, shuttingDown)
	assert.Zero(t, *poweroffs)
	assert.Empty(t, alerts.low)
	assert.Empty(t, alerts.critical)

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "Internal math overflow detected on the INA219" {
			found = true
		}
	}
	assert.True(t, found, "expected an overflow warning in the log")
}

func TestRunningOnBatteryAlert(t *testing.T) {
	// -1500mA at 3.9V is -5.85W derived power, below the -5W presence
	// threshold, while the charge level is still fine.
	s := &fakeSensor{reading: ina219.Reading{BusVoltage: 3.9, CurrentMA: -1500}}
	m, alerts, _, _ := newTestMonitor(testConfig(), s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.False(t, shuttingDown)
	assert.Len(t, alerts.low, 1)
	assert.Contains(t, alerts.low[0], "Running on the UPS battery")
	assert.Empty(t, alerts.critical)
}

func TestSensorFaultRetriesThenFails(t *testing.T) {
	fault := errors.New("i2c: bus timeout")
	s := &fakeSensor{errs: []error{fault, fault, fault}}
	m, alerts, sleeps, _ := newTestMonitor(testConfig(), s)

	_, err := m.runCycle()
	assert.Error(t, err)
	assert.ErrorIs(t, err, fault)
	assert.Equal(t, maxReadAttempts, s.calls)
	assert.Equal(t, []time.Duration{readRetryInterval, readRetryInterval}, *sleeps)
	assert.Empty(t, alerts.low)
	assert.Empty(t, alerts.critical)
}

func TestSensorFaultRecoversWithinRetryBudget(t *testing.T) {
	s := &fakeSensor{
		reading: ina219.Reading{BusVoltage: 4.1, CurrentMA: 100},
		errs:    []error{errors.New("i2c: bus timeout")},
	}
	m, _, _, _ := newTestMonitor(testConfig(), s)

	shuttingDown, err := m.runCycle()
	assert.NoError(t, err)
	assert.False(t, shuttingDown)
	assert.Equal(t, 2, s.calls)
}
