package portaudio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"
)

var (
	initMu    sync.Mutex
	initCount int
)

// Initialize brings PortAudio up on first use. Every successful call must be
// paired with Terminate.
func Initialize() error {
	initMu.Lock()
	defer initMu.Unlock()

	if initCount == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio initialization failed: %w", err)
		}
	}
	initCount++
	return nil
}

// Terminate shuts PortAudio down once the last user is gone
func Terminate() {
	initMu.Lock()
	defer initMu.Unlock()

	initCount--
	if initCount <= 0 {
		pa.Terminate()
		initCount = 0
	}
}

// ErrNoDevice is returned when no input device matches the request
var ErrNoDevice = errors.New("portaudio: no matching input device")

// Device describes one input-capable device
type Device struct {
	Name                string        `json:"name"`
	HostAPI             string        `json:"host_api"`
	MaxInputChannels    int           `json:"max_input_channels"`
	DefaultSampleRate   float64       `json:"default_sample_rate"`
	DefaultInputLatency time.Duration `json:"default_input_latency"`
	IsDefault           bool          `json:"is_default"`

	info *pa.DeviceInfo
}

// ListDevices returns every input-capable device across all host APIs
func ListDevices() ([]Device, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	defer Terminate()
	return listDevices()
}

// listDevices assumes PortAudio is initialized
func listDevices() ([]Device, error) {
	apis, err := pa.HostApis()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate host APIs: %w", err)
	}

	var defaultName, defaultAPI string
	if def, err := pa.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
		if def.HostApi != nil {
			defaultAPI = def.HostApi.Name
		}
	}

	var devices []Device
	for _, api := range apis {
		for _, dev := range api.Devices {
			if dev.MaxInputChannels <= 0 {
				continue
			}
			devices = append(devices, Device{
				Name:                dev.Name,
				HostAPI:             api.Name,
				MaxInputChannels:    dev.MaxInputChannels,
				DefaultSampleRate:   dev.DefaultSampleRate,
				DefaultInputLatency: dev.DefaultLowInputLatency,
				IsDefault:           dev.Name == defaultName && api.Name == defaultAPI,
				info:                dev,
			})
		}
	}
	return devices, nil
}

// selectDevice picks the default input device for an empty name, otherwise an
// exact name match, otherwise the first case-insensitive partial match.
func selectDevice(devices []Device, name string) (Device, error) {
	if name == "" {
		for _, dev := range devices {
			if dev.IsDefault {
				return dev, nil
			}
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
		return Device{}, ErrNoDevice
	}

	for _, dev := range devices {
		if dev.Name == name {
			return dev, nil
		}
	}

	want := strings.ToLower(name)
	for _, dev := range devices {
		if strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrNoDevice, name)
}
