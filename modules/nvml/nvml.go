// Package nvml reads the GPU core temperatures through the NVIDIA Management Library.
package nvml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/oblq/gpufan/internal/log"
)

var (
	ErrInit      = errors.New("failed to initialize NVML")
	ErrNoDevices = errors.New("no NVIDIA devices found")
	ErrNotOpen   = errors.New("NVML sensor not open")

	// ErrReadPending is returned while a previous read, abandoned on
	// timeout, is still blocked inside the driver.
	ErrReadPending = errors.New("previous NVML read still in progress")
)

// shutdownWait bounds how long ShutDown waits for a pending read.
var shutdownWait = 5 * time.Second

type NVML struct {
	lib  nvml.Interface
	open bool

	// pending is the result of the last read, nil once consumed.
	// At most one read is inside the driver at any time.
	pending chan result
}

// New return a sensor backed by the system NVML library.
func New() *NVML {
	return NewWithLibrary(nvml.New())
}

func NewWithLibrary(lib nvml.Interface) *NVML {
	return &NVML{lib: lib}
}

func (n *NVML) Name() string {
	return "nvml"
}

// Open initializes the library, it must be paired with ShutDown.
func (n *NVML) Open() error {
	if ret := n.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("%w: %v", ErrInit, nvml.ErrorString(ret))
	}
	n.open = true
	return nil
}

// ShutDown releases the library, errors are only logged.
func (n *NVML) ShutDown() {
	if !n.open {
		return
	}
	n.open = false

	if n.pending != nil {
		select {
		case <-n.pending:
		case <-time.After(shutdownWait):
			log.Logger.Warnw("NVML read still in progress, shutting down anyway", "waited", shutdownWait)
		}
		n.pending = nil
	}

	if ret := n.lib.Shutdown(); ret != nvml.SUCCESS {
		log.Logger.Warnw("failed to shutdown NVML", "error", nvml.ErrorString(ret))
	}
}

type result struct {
	temps []int
	err   error
}

// ReadAll return the temperature of every device in enumeration order.
// Any device failing makes the whole read fail, a partial list is never returned.
func (n *NVML) ReadAll(ctx context.Context) ([]int, error) {
	if !n.open {
		return nil, ErrNotOpen
	}

	// a stale result is dropped, the readings are from a past cycle
	if n.pending != nil {
		select {
		case <-n.pending:
			n.pending = nil
		default:
			return nil, ErrReadPending
		}
	}

	// NVML calls can't be interrupted, ctx only bounds the wait.
	ch := make(chan result, 1)
	n.pending = ch
	go func() {
		temps, err := n.readAll()
		ch <- result{temps: temps, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reading GPU temperatures: %w", ctx.Err())
	case r := <-ch:
		n.pending = nil
		return r.temps, r.err
	}
}

func (n *NVML) readAll() ([]int, error) {
	count, ret := n.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	if count == 0 {
		return nil, ErrNoDevices
	}

	temps := make([]int, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := n.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("error getting device handle for index '%d': %v", i, nvml.ErrorString(ret))
		}

		temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("failed to get temperature for device %d: %v", i, nvml.ErrorString(ret))
		}
		temps = append(temps, int(temp))
	}

	return temps, nil
}
