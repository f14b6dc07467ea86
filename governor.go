package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oblq/gpufan/internal/exec"
	"github.com/oblq/gpufan/internal/log"
)

var afterFn = time.After

type state int

const (
	uninitialized state = iota
	monitoring
)

// Governor periodically reads the GPU temperatures and drives
// the chassis fans according to its ThermalPolicy.
// All its methods must be called from the same goroutine.
type Governor struct {
	policy        ThermalPolicy
	interval      time.Duration
	sensorTimeout time.Duration

	sensor     Sensor
	sensorOpen bool

	fan FanController

	state state
}

func NewGovernor(config *Config, sensor Sensor, fan FanController) *Governor {
	return &Governor{
		policy:        config.Policy,
		interval:      config.interval(),
		sensorTimeout: config.sensorTimeout(),
		sensor:        sensor,
		fan:           fan,
	}
}

// Run blocks checking the temperatures, pausing interval between cycles, until ctx is done.
// The sensor session is always released before returning.
func (g *Governor) Run(ctx context.Context) error {
	if g.state != uninitialized {
		return errors.New("governor already started")
	}

	// fan commands are never aborted halfway by a shutdown request
	fanCtx := context.WithoutCancel(ctx)

	defer g.shutDown(fanCtx)

	g.start(fanCtx)

	for {
		g.checkTemperatures(ctx, fanCtx)

		// the interval starts once the cycle is over, however long it took
		select {
		case <-ctx.Done():
			return nil
		case <-afterFn(g.interval):
		}
	}
}

// start takes manual control of the fans, a failure leaves
// the firmware in charge until a speed can be set.
func (g *Governor) start(ctx context.Context) {
	log.Logger.Infow("enabling manual fan control", "controller", g.fan.Name())
	if err := g.fan.EnableManualControl(ctx); err != nil {
		logFanError("failed to enable manual fan control", err)
	}
	g.state = monitoring
	log.Logger.Infow("monitoring started",
		"sensor", g.sensor.Name(),
		"interval", g.interval,
		"policy", g.policy,
	)
}

func (g *Governor) shutDown(ctx context.Context) {
	if g.sensorOpen {
		g.sensor.ShutDown()
		g.sensorOpen = false
		log.Logger.Infow("sensor released", "sensor", g.sensor.Name())
	}
	g.fan.ShutDown(ctx)
}

// readTemperatures opens the sensor on first use, or again after a failed open.
func (g *Governor) readTemperatures(ctx context.Context) ([]int, error) {
	if !g.sensorOpen {
		if err := g.sensor.Open(); err != nil {
			return nil, err
		}
		g.sensorOpen = true
	}

	ctx, cancel := context.WithTimeout(ctx, g.sensorTimeout)
	defer cancel()
	return g.sensor.ReadAll(ctx)
}

// checkTemperatures run a single sense, decide, act cycle.
func (g *Governor) checkTemperatures(ctx, fanCtx context.Context) {
	temps, err := g.readTemperatures(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Logger.Warnw("error getting GPU temperatures, skipping cycle", "sensor", g.sensor.Name(), "error", err)
		return
	}

	signal, ok := maxReading(temps)
	if !ok {
		log.Logger.Warnw("no GPU temperature, skipping cycle", "sensor", g.sensor.Name())
		return
	}

	d, speed := g.policy.decide(signal)

	var applied bool
	if d != hold {
		applied, err = g.fan.SetFanSpeed(fanCtx, speed)
		if err != nil {
			logFanError("failed to set fan speed", err, "speed", speed)
		}
	}

	fields := []interface{}{
		"temps", formatTemps(temps),
		"signal", signal,
		"decision", d.String(),
		"applied", applied,
	}
	if current, ok := g.fan.LastApplied(); ok {
		fields = append(fields, "fan_speed", current)
	} else {
		fields = append(fields, "fan_speed", "unknown")
	}
	log.Logger.Infow("temperature checked", fields...)
}

func logFanError(msg string, err error, keysAndValues ...interface{}) {
	var cmdErr *exec.CommandError
	switch {
	case errors.Is(err, exec.ErrLaunch):
		keysAndValues = append(keysAndValues, "reason", "launch")
	case errors.As(err, &cmdErr):
		keysAndValues = append(keysAndValues, "reason", "command", "exit_code", cmdErr.ExitCode, "stderr", cmdErr.Stderr)
	}
	keysAndValues = append(keysAndValues, "error", err)
	log.Logger.Errorw(msg, keysAndValues...)
}

// formatTemps return a human readable line like `gpu0 50°C | gpu1 60°C`.
func formatTemps(temps []int) string {
	parts := make([]string, 0, len(temps))
	for i, t := range temps {
		parts = append(parts, fmt.Sprintf("gpu%d %d°C", i, t))
	}
	return strings.Join(parts, " | ")
}
