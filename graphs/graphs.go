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

// Package graphs accelerates repeated execution of a fixed computation by capturing its
// device instruction stream once and replaying it thereafter, bypassing per-call dispatch
// and kernel-launch overhead.
//
// It targets computations whose control flow and buffer shapes are stable across calls
// but whose concrete input values change every call -- iterative inference loops being
// the canonical case.
//
// The two entry points are:
//
//   - NewDynamic wraps a callable into a drop-in replacement that transparently
//     captures on the first call with each new argument shape and replays thereafter:
//
//     wrapped := graphs.NewDynamic(backend, model).Func()
//     out, err := wrapped([]any{x}, nil)
//
//   - Capture records one callable invocation for one example argument shape and
//     returns the replay-only wrapper, for callers that manage their own cache of
//     shapes.
//
// The first call with a new shape pays for the capture (including warm-up runs);
// subsequent calls with the same shape are low-latency replays. Calls differing only in
// buffer values share one captured graph; calls differing in shape, dtype or device get
// their own.
//
// Replays of a captured graph write the live arguments into the graph's fixed-address
// static buffers, replay, and deep-copy the outputs out, so returned values never alias
// the reused static storage. All capture and replay activity on one device is serialized
// by that device's execution environment (see ExecutionEnv): a shared memory pool and a
// shared stream make concurrent capture/replay on one device fundamentally unsafe.
package graphs

import (
	"fmt"
	"reflect"
	"runtime"
)

// Func is the callable form accepted for capture and produced by the wrappers: the
// equivalent of a call with positional and keyword arguments. Arguments may be
// backends.Buffer values, Go scalars, []any sequences and map[string]any mappings,
// nested arbitrarily.
type Func func(args []any, kwargs map[string]any) (any, error)

// Module is implemented by stateful callables that carry a training flag, typically
// model modules. The flag observed at capture time is preserved by the replay wrapper
// for the lifetime of the captured graph (see Graphed.Training).
type Module interface {
	// Call invokes the module.
	Call(args []any, kwargs map[string]any) (any, error)

	// Training reports whether the module is in training (as opposed to inference) mode.
	Training() bool
}

// call invokes callable, which must be a Func (or a plain function with the same
// signature) or a Module.
func call(callable any, args []any, kwargs map[string]any) (any, error) {
	switch fn := callable.(type) {
	case Func:
		return fn(args, kwargs)
	case func(args []any, kwargs map[string]any) (any, error):
		return fn(args, kwargs)
	case Module:
		return fn.Call(args, kwargs)
	}
	return nil, usageErrorf("callable of type %T is not a graphs.Func or graphs.Module", callable)
}

// validCallable reports whether callable can be invoked by call.
func validCallable(callable any) bool {
	switch callable.(type) {
	case Func, func(args []any, kwargs map[string]any) (any, error), Module:
		return true
	}
	return false
}

// trainingOf returns the training flag of a Module callable, false for anything else.
func trainingOf(callable any) bool {
	if m, ok := callable.(Module); ok {
		return m.Training()
	}
	return false
}

// callableName returns a printable name for the callable: the function's symbol name
// when it is a function, the concrete type otherwise.
func callableName(callable any) string {
	v := reflect.ValueOf(callable)
	if v.Kind() == reflect.Func {
		if fn := runtime.FuncForPC(v.Pointer()); fn != nil {
			return fn.Name()
		}
	}
	return fmt.Sprintf("%T", callable)
}

// normalizeArgs replaces nil argument containers by empty ones, so the rest of the
// machinery doesn't need to special-case them.
func normalizeArgs(args []any, kwargs map[string]any) ([]any, map[string]any) {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return args, kwargs
}
