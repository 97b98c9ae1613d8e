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
	"strings"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/pi-ups/ups-hat-monitor/battery"
	"github.com/pi-ups/ups-hat-monitor/ina219"
	"github.com/pi-ups/ups-hat-monitor/notify"
)

const (
	connectAttempts      = 10
	connectRetryInterval = time.Second
)

var version = "<not set>"

var log = logrus.New()

type argSpec struct {
	LowBattery           float64 `arg:"--low-battery" help:"battery percentage that triggers a low battery warning"`
	ShutdownBattery      float64 `arg:"--shutdown-battery" help:"battery percentage that triggers the shutdown sequence"`
	CheckIntervalSeconds int     `arg:"--check-interval" help:"seconds between battery checks"`
	Profile              string  `arg:"--profile" help:"UPS hardware profile (hat-c or s3)"`
	Address              int     `arg:"--address" help:"I2C address of the INA219, 0 uses the profile default"`
	LogRateMinutes       int     `arg:"--log-rate" help:"minutes between full readings at info level"`
	LogLevel             string  `arg:"-l,--log-level" default:"info" help:"Set the logging level (debug, info, warn, error)"`
	SkipSystemShutdown   bool    `arg:"--skip-system-shutdown" help:"don't shut down the operating system when the battery is depleted"`
}

func (argSpec) Version() string {
	return version
}

func procArgs() argSpec {
	args := argSpec{
		LowBattery:           25.0,
		ShutdownBattery:      10.0,
		CheckIntervalSeconds: 10,
		Profile:              battery.HatC.Name,
		LogRateMinutes:       5,
	}
	arg.MustParse(&args)
	return args
}

// Config is assembled once at startup and never changes afterwards.
type Config struct {
	LowBattery         float64
	ShutdownBattery    float64
	CheckInterval      time.Duration
	LogRate            time.Duration
	Profile            battery.Profile
	Address            uint16
	SkipSystemShutdown bool
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)

	log.Info("Running version: ", version)

	profile, err := battery.ProfileByName(args.Profile)
	if err != nil {
		return err
	}
	addr := profile.Addr
	if args.Address != 0 {
		addr = uint16(args.Address)
	}

	conf := Config{
		LowBattery:         args.LowBattery,
		ShutdownBattery:    args.ShutdownBattery,
		CheckInterval:      time.Duration(args.CheckIntervalSeconds) * time.Second,
		LogRate:            time.Duration(args.LogRateMinutes) * time.Minute,
		Profile:            profile,
		Address:            addr,
		SkipSystemShutdown: args.SkipSystemShutdown,
	}
	log.Infof("Monitoring %s UPS at 0x%X, low battery at %.2f%%, shutdown at %.2f%%, checking every %s",
		profile.Name, addr, conf.LowBattery, conf.ShutdownBattery, conf.CheckInterval)

	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return err
	}

	log.Info("Connecting to INA219.")
	dev, err := connectToINA219WithRetries(connectAttempts, bus, addr)
	if err != nil {
		return err
	}

	if log.IsLevelEnabled(logrus.DebugLevel) {
		dumpConfigRegister(dev)
	}

	return newMonitor(conf, dev, notify.NewNotifier(log)).Run()
}

func connectToINA219WithRetries(retries int, bus i2c.Bus, addr uint16) (*ina219.Dev, error) {
	var err error
	var dev *ina219.Dev
	for i := 0; i < retries; i++ {
		dev, err = ina219.Connect(bus, addr)
		if err == nil {
			return dev, nil
		}
		log.Infof("Failed to connect to INA219 at 0x%X, trying %d more times: %v", addr, retries-i-1, err)
		time.Sleep(connectRetryInterval)
	}
	return nil, err
}

func dumpConfigRegister(dev *ina219.Dev) {
	conf, err := dev.Config()
	if err != nil {
		log.Debugf("Could not read config register: %v", err)
		return
	}
	log.Debug("INA219 config register:")
	log.Debugf("  bus voltage range:    0x%X", conf.BusVoltageRange)
	log.Debugf("  gain:                 0x%X", conf.Gain)
	log.Debugf("  bus ADC resolution:   0x%X", conf.BusADCResolution)
	log.Debugf("  shunt ADC resolution: 0x%X", conf.ShuntADCResolution)
	log.Debugf("  mode:                 0x%X", conf.Mode)
}
