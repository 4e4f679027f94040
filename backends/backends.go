// Package backends defines the interface that a GPU driver needs to implement to be used
// by the capture/replay machinery in the graphs package.
//
// The interface is deliberately narrow: buffers, streams, graph capture and memory pools.
// The actual computation engine that issues kernels onto streams is not part of it -- the
// graphs package never builds computations, it only records and replays whatever the
// caller's callable issues.
//
// A backend that doesn't support stream capture can simply return a "not implemented"
// error from BeginCapture and it can still be used for everything else.
//
// To simplify error handling in registration and configuration, the constructors here are
// expected to throw (panic) with a stack trace in case of errors.
// See package github.com/gomlx/exceptions.
package backends

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum represents which device holds a buffer, executes a stream, or owns a memory
// pool. It's up to the backend to interpret it, but it should be between 0 and
// Backend.NumDevices.
type DeviceNum int

// CurrentDevice is the value accepted by operations taking a DeviceNum to mean
// "whatever device is current for the backend".
const CurrentDevice DeviceNum = -1

// DeviceType distinguishes host(CPU)-resident buffers from device(GPU)-resident ones.
//
// Only the device kind and ordinal participate in argument fingerprints; host-resident
// single-element buffers additionally contribute their scalar value.
type DeviceType int

const (
	// DeviceCPU marks buffers resident in host memory.
	DeviceCPU DeviceType = iota

	// DeviceGPU marks buffers resident on an accelerator device.
	DeviceGPU
)

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	}
	return "invalid"
}

// Device identifies where a buffer resides: the kind of memory and, for accelerator
// buffers, the device ordinal.
type Device struct {
	Type DeviceType
	Num  DeviceNum
}

// GPU returns the Device for the accelerator with the given ordinal.
func GPU(num DeviceNum) Device { return Device{Type: DeviceGPU, Num: num} }

// CPU returns the Device for host memory.
func CPU() Device { return Device{Type: DeviceCPU} }

// IsGPU returns whether the device is an accelerator device.
func (d Device) IsGPU() bool { return d.Type == DeviceGPU }

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Type == DeviceCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Num)
}

// Backend is the API that needs to be implemented by a GPU driver to support graph
// capture and replay.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "cuda".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() DeviceNum

	// BufferInterface is the sub-interface to inspect and copy device buffers.
	BufferInterface

	// StreamInterface is the sub-interface to create streams and synchronize devices.
	StreamInterface

	// GraphInterface is the sub-interface to capture and replay instruction graphs.
	GraphInterface

	// Finalize releases all the associated resources immediately, and makes the backend
	// invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a
// configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "cpu") and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "CUDAGRAPHS_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment CUDAGRAPHS_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() Backend {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as
// "<backend_name>:<backend_configuration>", where "<backend_name>" is the name of a
// registered backend (e.g.: "cpu") and "<backend_configuration>" is backend specific.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the default CPU one with import _ "github.com/gomlx/cudagraphs/backends/cpu"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
