package main

import "fmt"

type decision int

const (
	hold decision = iota
	raise
	lower
)

func (d decision) String() string {
	switch d {
	case raise:
		return "raise"
	case lower:
		return "lower"
	default:
		return "hold"
	}
}

// ThermalPolicy is a latching two-speed controller.
// Above HighThreshold+Hysteresis the fans go to HighSpeed, below
// LowThreshold-Hysteresis they go to LowSpeed, in between the last
// commanded speed is kept.
type ThermalPolicy struct {
	// HighThreshold and LowThreshold are in °C.
	HighThreshold int `yaml:"high_threshold"`
	LowThreshold  int `yaml:"low_threshold"`

	// Hysteresis widens the band on both sides, in °C.
	Hysteresis int `yaml:"hysteresis"`

	// HighSpeed and LowSpeed are fan speed percentages.
	HighSpeed uint8 `yaml:"high_speed"`
	LowSpeed  uint8 `yaml:"low_speed"`
}

func (p ThermalPolicy) validate() error {
	if p.LowThreshold >= p.HighThreshold {
		return fmt.Errorf("low_threshold (%d) must be lower than high_threshold (%d)", p.LowThreshold, p.HighThreshold)
	}
	if p.Hysteresis < 0 {
		return fmt.Errorf("hysteresis (%d) must not be negative", p.Hysteresis)
	}
	if p.HighSpeed > 100 || p.LowSpeed > 100 {
		return fmt.Errorf("fan speeds (%d%%, %d%%) must be within 0-100", p.HighSpeed, p.LowSpeed)
	}
	return nil
}

// decide return the action for signal and, unless holding, the speed to apply.
// Both band edges are exclusive.
func (p ThermalPolicy) decide(signal int) (decision, uint8) {
	switch {
	case signal > p.HighThreshold+p.Hysteresis:
		return raise, p.HighSpeed
	case signal < p.LowThreshold-p.Hysteresis:
		return lower, p.LowSpeed
	default:
		return hold, 0
	}
}

// maxReading return the hottest reading, ok is false for an empty list.
func maxReading(temps []int) (hottest int, ok bool) {
	for i, t := range temps {
		if i == 0 || t > hottest {
			hottest = t
		}
	}
	return hottest, len(temps) > 0
}
