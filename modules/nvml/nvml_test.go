package nvml

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/NVIDIA/go-nvml/pkg/nvml/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockDevices(temps ...uint32) *mock.Interface {
	return &mock.Interface{
		InitFunc: func() nvml.Return {
			return nvml.SUCCESS
		},
		ShutdownFunc: func() nvml.Return {
			return nvml.SUCCESS
		},
		DeviceGetCountFunc: func() (int, nvml.Return) {
			return len(temps), nvml.SUCCESS
		},
		DeviceGetHandleByIndexFunc: func(i int) (nvml.Device, nvml.Return) {
			return &mock.Device{
				GetTemperatureFunc: func(sensor nvml.TemperatureSensors) (uint32, nvml.Return) {
					if sensor != nvml.TEMPERATURE_GPU {
						return 0, nvml.ERROR_INVALID_ARGUMENT
					}
					return temps[i], nvml.SUCCESS
				},
			}, nvml.SUCCESS
		},
	}
}

func TestNVML_ReadAll(t *testing.T) {
	n := NewWithLibrary(mockDevices(50, 60))
	require.NoError(t, n.Open())
	defer n.ShutDown()

	temps, err := n.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{50, 60}, temps)
}

func TestNVML_ReadAll_noDevices(t *testing.T) {
	n := NewWithLibrary(mockDevices())
	require.NoError(t, n.Open())
	defer n.ShutDown()

	temps, err := n.ReadAll(context.Background())
	require.ErrorIs(t, err, ErrNoDevices)
	assert.Nil(t, temps)
}

func TestNVML_ReadAll_deviceError(t *testing.T) {
	lib := mockDevices(50, 60)
	lib.DeviceGetHandleByIndexFunc = func(i int) (nvml.Device, nvml.Return) {
		if i == 1 {
			return nil, nvml.ERROR_GPU_IS_LOST
		}
		return &mock.Device{
			GetTemperatureFunc: func(nvml.TemperatureSensors) (uint32, nvml.Return) {
				return 50, nvml.SUCCESS
			},
		}, nvml.SUCCESS
	}

	n := NewWithLibrary(lib)
	require.NoError(t, n.Open())
	defer n.ShutDown()

	temps, err := n.ReadAll(context.Background())
	require.Error(t, err)
	assert.Nil(t, temps, "partial readings must not be returned")
}

func TestNVML_ReadAll_temperatureError(t *testing.T) {
	lib := mockDevices(50)
	lib.DeviceGetHandleByIndexFunc = func(int) (nvml.Device, nvml.Return) {
		return &mock.Device{
			GetTemperatureFunc: func(nvml.TemperatureSensors) (uint32, nvml.Return) {
				return 0, nvml.ERROR_NOT_SUPPORTED
			},
		}, nvml.SUCCESS
	}

	n := NewWithLibrary(lib)
	require.NoError(t, n.Open())
	defer n.ShutDown()

	_, err := n.ReadAll(context.Background())
	require.Error(t, err)
}

// blockingCount makes DeviceGetCount hang until release is closed,
// inFlight counts the calls currently blocked in it.
func blockingCount(lib *mock.Interface, release <-chan struct{}, inFlight *int32) {
	lib.DeviceGetCountFunc = func() (int, nvml.Return) {
		atomic.AddInt32(inFlight, 1)
		defer atomic.AddInt32(inFlight, -1)
		<-release
		return 1, nvml.SUCCESS
	}
}

func readWithTimeout(n *NVML, d time.Duration) ([]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return n.ReadAll(ctx)
}

func TestNVML_ReadAll_hungDriver(t *testing.T) {
	release := make(chan struct{})
	var inFlight int32

	lib := mockDevices(50)
	blockingCount(lib, release, &inFlight)

	var shutdownDuringRead int32
	lib.ShutdownFunc = func() nvml.Return {
		if atomic.LoadInt32(&inFlight) > 0 {
			atomic.AddInt32(&shutdownDuringRead, 1)
		}
		return nvml.SUCCESS
	}

	n := NewWithLibrary(lib)
	require.NoError(t, n.Open())

	_, err := readWithTimeout(n, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for i := 0; i < 4; i++ {
		_, err := readWithTimeout(n, 10*time.Millisecond)
		require.ErrorIs(t, err, ErrReadPending)
	}
	assert.Len(t, lib.DeviceGetCountCalls(), 1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inFlight))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	n.ShutDown()

	assert.Equal(t, int32(0), atomic.LoadInt32(&shutdownDuringRead))
	assert.Len(t, lib.ShutdownCalls(), 1)
}

func TestNVML_ReadAll_afterHungRead(t *testing.T) {
	release := make(chan struct{})
	var calls int32

	lib := mockDevices(50)
	lib.DeviceGetCountFunc = func() (int, nvml.Return) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		return 1, nvml.SUCCESS
	}

	n := NewWithLibrary(lib)
	require.NoError(t, n.Open())
	defer n.ShutDown()

	_, err := readWithTimeout(n, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)

	// the stale result is dropped and a fresh read is made
	var temps []int
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		temps, err = readWithTimeout(n, time.Second)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, ErrReadPending)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	assert.Equal(t, []int{50}, temps)
	assert.Len(t, lib.DeviceGetCountCalls(), 2)
}

func TestNVML_ShutDown_hungRead(t *testing.T) {
	prev := shutdownWait
	shutdownWait = 20 * time.Millisecond
	defer func() { shutdownWait = prev }()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var inFlight int32

	lib := mockDevices(50)
	blockingCount(lib, release, &inFlight)

	n := NewWithLibrary(lib)
	require.NoError(t, n.Open())

	_, err := readWithTimeout(n, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	n.ShutDown()
	assert.Len(t, lib.ShutdownCalls(), 1)
}

func TestNVML_Open(t *testing.T) {
	lib := mockDevices(50)
	lib.InitFunc = func() nvml.Return {
		return nvml.ERROR_LIBRARY_NOT_FOUND
	}

	n := NewWithLibrary(lib)
	require.ErrorIs(t, n.Open(), ErrInit)

	_, err := n.ReadAll(context.Background())
	require.ErrorIs(t, err, ErrNotOpen)

	// nothing to release
	n.ShutDown()
	assert.Empty(t, lib.ShutdownCalls())
}

func TestNVML_ShutDown(t *testing.T) {
	lib := mockDevices(50)
	n := NewWithLibrary(lib)
	require.NoError(t, n.Open())

	n.ShutDown()
	n.ShutDown()
	assert.Len(t, lib.ShutdownCalls(), 1)
}
