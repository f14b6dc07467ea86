package main

import "context"

// Sensor reads the current temperature of every GPU.
type Sensor interface {
	Name() string

	// Open acquires the sensor session, ShutDown releases it.
	Open() error
	ShutDown()

	// ReadAll return one reading per device, in °C, or an error.
	// An error means no data for this cycle, never a partial list.
	ReadAll(ctx context.Context) ([]int, error)
}

// FanController drives the chassis fans.
type FanController interface {
	Name() string
	EnableManualControl(ctx context.Context) error

	// SetFanSpeed must not write when speed is already the last applied value,
	// applied reports whether a write actually happened.
	SetFanSpeed(ctx context.Context, speed uint8) (applied bool, err error)
	LastApplied() (speed uint8, ok bool)

	ShutDown(ctx context.Context)
}
