// Package battery estimates state of charge from the bus voltage of a UPS
// power sensor.
package battery

import "fmt"

// Profile holds the calibration reference voltages and default sensor
// address for one UPS hardware variant. Selecting the wrong profile silently
// produces wrong percentages, there is no runtime detection.
type Profile struct {
	Name       string
	EmptyVolts float64
	FullVolts  float64
	Addr       uint16
}

var (
	// HatC is the Waveshare UPS HAT (C) for the Pi Zero.
	HatC = Profile{Name: "hat-c", EmptyVolts: 3.0, FullVolts: 4.1, Addr: 0x43}
	// S3 is the Waveshare UPS S3 for the Pi 5.
	S3 = Profile{Name: "s3", EmptyVolts: 9.0, FullVolts: 12.6, Addr: 0x41}
)

var profiles = []Profile{HatC, S3}

// ProfileByName looks up a UPS hardware profile.
func ProfileByName(name string) (Profile, error) {
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
		names = append(names, p.Name)
	}
	return Profile{}, fmt.Errorf("unknown UPS profile %q, valid profiles are %v", name, names)
}

// Percent estimates the remaining battery percentage from the bus voltage by
// linear interpolation between the profile's reference voltages. Anything
// above 98 reads as full, the top of the curve is too flat to be meaningful.
func (p Profile) Percent(busVoltage float64) float64 {
	percent := (busVoltage - p.EmptyVolts) / (p.FullVolts - p.EmptyVolts) * 100
	if percent > 98 {
		return 100
	}
	if percent < 0 {
		return 0
	}
	return percent
}

// Derived power thresholds for the power-presence heuristic. A battery
// discharging into the Pi shows as a negative power draw; external power
// shows as roughly zero or positive.
const (
	// OnBatteryPower is the level at or below which the external supply is
	// treated as absent.
	OnBatteryPower = -5.0
	// ConfirmShutdownPower is the stricter level used for the final check
	// before powering the system off.
	ConfirmShutdownPower = -1.0
)

// DerivedPower computes power in watts from the bus voltage and the shunt
// current in milliamps. This is a heuristic input, not a guaranteed state.
func DerivedPower(busVoltage, currentMA float64) float64 {
	return busVoltage * (currentMA / 1000)
}
