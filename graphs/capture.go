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
	"github.com/gomlx/cudagraphs/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// warmUpRounds is how many times the callable runs before capture. Some device libraries
// perform one-time lazy initialization or autotuning on first use, which must not be
// recorded as part of the graph.
const warmUpRounds = 3

// Graphed is a captured graph bound to fixed-address static buffers, plus everything a
// replay needs: the owning execution environment (shared, never owned), the static
// copies of the example arguments, the output structure produced during capture, and the
// callable's training flag at capture time.
//
// A Graphed is immutable after construction. Each Call writes the live arguments into
// the static input buffers by structural copy, replays the graph, and deep-copies the
// outputs out before returning -- the static buffers are reused by the next replay, so
// returned values never alias them.
type Graphed struct {
	env   *ExecutionEnv
	graph backends.Graph

	// callable is kept so whatever state it closes over stays reachable for the
	// lifetime of the captured graph.
	callable any

	staticArgs    []any
	staticKwargs  map[string]any
	staticOutputs any

	training bool
}

// Compile-time check: a Graphed is itself a Module.
var _ Module = (*Graphed)(nil)

// Capture records one execution of callable into a replayable graph, using args/kwargs
// as the example arguments that fix the shapes every future call must match.
//
// The capture device is resolved from the example arguments: the first GPU-resident
// buffer found decides it, and example arguments without any GPU-resident buffer are a
// usage error. The device's process-wide ExecutionEnv (created on first use) supplies
// the stream, the shared memory pool and the serialization lock.
//
// callable must be a Func (or plain function with the same signature) or a Module.
func Capture(backend backends.Backend, callable any, args []any, kwargs map[string]any) (*Graphed, error) {
	args, kwargs = normalizeArgs(args, kwargs)
	device, found := deviceFromTree(backend, []any{args, kwargs})
	if !found {
		return nil, usageErrorf("capturing %s: no GPU-resident buffer among the example arguments, cannot resolve the capture device",
			callableName(callable))
	}
	env, err := EnvForDevice(backend, device)
	if err != nil {
		return nil, err
	}
	return CaptureInEnv(callable, args, kwargs, env)
}

// CaptureInEnv is like Capture for callers that manage execution environments
// themselves, e.g. to share one environment across callables without re-resolving the
// device from every argument set.
func CaptureInEnv(callable any, args []any, kwargs map[string]any, env *ExecutionEnv) (*Graphed, error) {
	if !validCallable(callable) {
		return nil, usageErrorf("callable of type %T is not a graphs.Func or graphs.Module", callable)
	}
	args, kwargs = normalizeArgs(args, kwargs)
	backend := env.backend
	training := trainingOf(callable)
	klog.V(1).Infof("graphs: capturing %s on device #%d", callableName(callable), env.device)

	// Both locks are held from before the warm-up to the end of the recording. The
	// callable's launches dispatch through the backend's current stream, which is
	// global state: another capture entering warm-up, or a replay on any device,
	// interleaving with this window would redirect the launches onto the wrong stream
	// and leave the recording empty.
	env.mu.Lock()
	defer env.mu.Unlock()
	env.backendMu.Lock()
	defer env.backendMu.Unlock()

	// All prior device work must complete first, so unrelated in-flight state cannot
	// leak into the recording.
	if err := backend.Synchronize(); err != nil {
		return nil, resourceErrorf("synchronizing before capture: %v", err)
	}

	if err := warmUp(backend, callable, args, kwargs, env.device); err != nil {
		return nil, err
	}

	// The static copies become the fixed-address buffers every future replay overwrites
	// in place.
	staticArgs, staticKwargs, err := deepCopyArgs(backend, args, kwargs)
	if err != nil {
		return nil, err
	}
	if err := backend.Synchronize(); err != nil {
		return nil, resourceErrorf("synchronizing before capture: %v", err)
	}

	staticOutputs, graph, err := captureLocked(backend, callable, staticArgs, staticKwargs, env)
	if err != nil {
		return nil, err
	}
	return &Graphed{
		env:           env,
		graph:         graph,
		callable:      callable,
		staticArgs:    staticArgs,
		staticKwargs:  staticKwargs,
		staticOutputs: staticOutputs,
		training:      training,
	}, nil
}

// warmUp runs the callable warmUpRounds times on a throwaway stream scoped to the target
// device. Each run gets independent deep copies of the example arguments: capture
// -adjacent runs can have side effects on mutable inputs.
//
// Must be called with the capture locks held: the stream switch below touches the
// backend's global current-stream state.
func warmUp(backend backends.Backend, callable any, args []any, kwargs map[string]any, device backends.DeviceNum) error {
	stream, err := backend.NewStream(device)
	if err != nil {
		return resourceErrorf("creating warm-up stream: %v", err)
	}
	previous, err := backend.SetCurrentStream(stream)
	if err != nil {
		return resourceErrorf("switching to warm-up stream: %v", err)
	}
	defer func() {
		_, _ = backend.SetCurrentStream(previous)
	}()
	for round := range warmUpRounds {
		warmArgs, warmKwargs, err := deepCopyArgs(backend, args, kwargs)
		if err != nil {
			return err
		}
		if _, err := call(callable, warmArgs, warmKwargs); err != nil {
			return errors.WithMessagef(err, "callable failed during warm-up run %d", round)
		}
	}
	return nil
}

// captureLocked performs the recording itself. Must be called with env.mu and
// env.backendMu held.
func captureLocked(backend backends.Backend, callable any, staticArgs []any, staticKwargs map[string]any, env *ExecutionEnv) (outputs any, graph backends.Graph, err error) {
	previousDevice, err := backend.SetCurrentDevice(env.device)
	if err != nil {
		return nil, nil, resourceErrorf("selecting device #%d for capture: %v", env.device, err)
	}
	defer func() {
		_, _ = backend.SetCurrentDevice(previousDevice)
	}()
	previousStream, err := backend.SetCurrentStream(env.stream)
	if err != nil {
		return nil, nil, resourceErrorf("switching to the capture stream: %v", err)
	}
	defer func() {
		_, _ = backend.SetCurrentStream(previousStream)
	}()

	if err := backend.BeginCapture(env.stream, env.pool); err != nil {
		return nil, nil, resourceErrorf("beginning capture: %v", err)
	}
	outputs, callErr := call(callable, staticArgs, staticKwargs)
	graph, endErr := backend.EndCapture(env.stream)
	if callErr != nil {
		return nil, nil, errors.WithMessagef(callErr, "callable failed while being captured")
	}
	if endErr != nil {
		return nil, nil, resourceErrorf("ending capture: %v", endErr)
	}
	return outputs, graph, nil
}

// Call replays the captured graph against the given arguments: it copies them into the
// static input buffers, replays, and returns a deep copy of the outputs. The argument
// structure, shapes and non-buffer values must match the capture exactly; any mismatch
// is an ErrUsage, detected before the replay touches the device.
//
// Call serializes with every other capture and replay on the same device.
func (g *Graphed) Call(args []any, kwargs map[string]any) (any, error) {
	args, kwargs = normalizeArgs(args, kwargs)
	env := g.env
	backend := env.backend
	env.mu.Lock()
	defer env.mu.Unlock()

	if err := treeCopy(backend, g.staticArgs, args); err != nil {
		return nil, err
	}
	if err := treeCopy(backend, g.staticKwargs, kwargs); err != nil {
		return nil, err
	}

	// The replay window switches the backend's current stream; the backend-wide lock
	// keeps it from interleaving with captures or replays on other devices.
	env.backendMu.Lock()
	defer env.backendMu.Unlock()

	previousDevice, err := backend.SetCurrentDevice(env.device)
	if err != nil {
		return nil, resourceErrorf("selecting device #%d for replay: %v", env.device, err)
	}
	defer func() {
		_, _ = backend.SetCurrentDevice(previousDevice)
	}()
	previousStream, err := backend.SetCurrentStream(env.stream)
	if err != nil {
		return nil, resourceErrorf("switching to the replay stream: %v", err)
	}
	defer func() {
		_, _ = backend.SetCurrentStream(previousStream)
	}()
	if err := backend.GraphReplay(g.graph); err != nil {
		return nil, resourceErrorf("replaying graph: %v", err)
	}

	// Detach the results from the static buffers before the next replay reuses them.
	return deepCopyTree(backend, g.staticOutputs)
}

// Training reports the training flag the callable had at capture time; it stays
// constant for the lifetime of the captured graph.
func (g *Graphed) Training() bool { return g.training }

// Callable returns the original callable the graph was captured from.
func (g *Graphed) Callable() any { return g.callable }

// Env returns the execution environment the graph was captured under.
func (g *Graphed) Env() *ExecutionEnv { return g.env }

// Func returns the replay wrapper as a plain Func.
func (g *Graphed) Func() Func { return g.Call }
