/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graphs

import (
	"sync"

	"github.com/gomlx/cudagraphs/backends"
	"k8s.io/klog/v2"
)

// ExecutionEnv is the per-device bundle that isolates graph capture and replay for one
// device: a memory pool shared by all graphs captured on the device (so their buffers
// coexist in one arena without address conflicts), a dedicated stream distinct from the
// default one, and the mutex that serializes ALL capture and replay activity on the
// device.
//
// Environments are created on first reference to a device, live for the process's
// lifetime, and are never destroyed or reconfigured. Captured graphs hold a back
// reference to their environment but never own it.
type ExecutionEnv struct {
	backend backends.Backend
	device  backends.DeviceNum
	stream  backends.Stream
	pool    backends.MemoryPool

	// mu is held for the full duration of every capture and every replay on the device.
	// Two replays of distinct graphs cannot overlap, and a capture blocks all replays
	// (and vice versa) until it finishes: with a shared pool and a shared stream,
	// concurrent capture/replay on one device is fundamentally unsafe.
	mu sync.Mutex

	// backendMu serializes the windows in which the backend's current stream and
	// current device are switched: the warm-up runs, the recording and the replay
	// sections. Stream selection is backend-global state, so those windows must not
	// interleave even across devices -- a capture on one device and a replay on
	// another would otherwise redirect each other's launches onto the wrong stream.
	// Shared by all environments of one backend; always acquired after mu.
	backendMu *sync.Mutex
}

// Backend the environment belongs to.
func (env *ExecutionEnv) Backend() backends.Backend { return env.backend }

// Device the environment serializes capture and replay for.
func (env *ExecutionEnv) Device() backends.DeviceNum { return env.device }

// Stream is the environment's dedicated capture/replay stream.
func (env *ExecutionEnv) Stream() backends.Stream { return env.stream }

// MemoryPool is the arena shared by all graphs captured on the device.
func (env *ExecutionEnv) MemoryPool() backends.MemoryPool { return env.pool }

type envKey struct {
	backend backends.Backend
	device  backends.DeviceNum
}

// Process-wide registry of execution environments, one per (backend, device).
//
// envsMu is held across the existence check AND the insert: a lock-free check here would
// let two goroutines create two environments for the same device under concurrent first
// access. Readers that already hold an *ExecutionEnv never need envsMu again, only the
// environment's own mutex.
var (
	envsMu     sync.Mutex
	envs       = make(map[envKey]*ExecutionEnv)
	backendMus = make(map[backends.Backend]*sync.Mutex)
)

// EnvForDevice returns the process-wide ExecutionEnv for the given device, creating it
// on first reference. Pass backends.CurrentDevice to resolve to the backend's current
// device.
func EnvForDevice(backend backends.Backend, device backends.DeviceNum) (*ExecutionEnv, error) {
	if device == backends.CurrentDevice {
		device = backend.CurrentDeviceNum()
	}
	if device < 0 || device >= backend.NumDevices() {
		return nil, usageErrorf("device #%d does not exist, backend %q has %d device(s)",
			device, backend.Name(), backend.NumDevices())
	}
	envsMu.Lock()
	defer envsMu.Unlock()
	key := envKey{backend: backend, device: device}
	if env, found := envs[key]; found {
		return env, nil
	}
	backendMu, found := backendMus[backend]
	if !found {
		backendMu = &sync.Mutex{}
		backendMus[backend] = backendMu
	}

	// Switching the current device moves the backend's current stream, which a capture
	// or replay in progress elsewhere may be using.
	backendMu.Lock()
	defer backendMu.Unlock()
	previous, err := backend.SetCurrentDevice(device)
	if err != nil {
		return nil, resourceErrorf("creating execution environment for device #%d: %v", device, err)
	}
	defer func() {
		_, _ = backend.SetCurrentDevice(previous)
	}()
	stream, err := backend.NewStream(device)
	if err != nil {
		return nil, resourceErrorf("creating stream for device #%d: %v", device, err)
	}
	pool, err := backend.NewMemoryPool(device)
	if err != nil {
		return nil, resourceErrorf("creating memory pool for device #%d: %v", device, err)
	}
	env := &ExecutionEnv{backend: backend, device: device, stream: stream, pool: pool, backendMu: backendMu}
	envs[key] = env
	klog.V(1).Infof("graphs: created execution environment for device #%d of backend %q", device, backend.Name())
	return env, nil
}
