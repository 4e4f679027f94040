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
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// DefaultMaxCacheSize is the default limit of captured graphs per Dynamic wrapper.
//
// Each distinct argument fingerprint costs a capture and permanently pins its static
// buffers, so a wrapper seeing unbounded shape variety would grow without limit;
// past the limit Call returns an error instead of capturing, pointing at padding or
// SetMaxCache as the fix.
const DefaultMaxCacheSize = 32

// Dynamic wraps a callable with a per-shape cache of captured graphs: each invocation
// fingerprints its arguments, replays the cached graph for that fingerprint, and builds
// one (under lock) on the first miss.
//
// Independent wrappers never share cache state, even when wrapping the same callable.
// It is safe for concurrent use: at most one capture is ever performed per fingerprint,
// even under concurrent first-time calls with identical argument shapes.
type Dynamic struct {
	backend  backends.Backend
	callable any
	name     string

	// cache maps Fingerprint to *Graphed. Hits read it lock-free; mu serializes the
	// miss path only. The happens-before needed by the lock-free read is given by
	// sync.Map itself: a Load observing a Store observes a fully built *Graphed.
	cache sync.Map

	mu           sync.Mutex
	size         int
	maxCacheSize int
}

// NewDynamic wraps callable -- a Func (or plain function with the same signature) or a
// Module -- into a Dynamic graph cache over the given backend.
//
// It panics for unsupported callable types; this is a construction-time programming
// error, not an input condition.
func NewDynamic(backend backends.Backend, callable any) *Dynamic {
	if !validCallable(callable) {
		exceptions.Panicf("graphs.NewDynamic: callable of type %T is not a graphs.Func or graphs.Module", callable)
	}
	return &Dynamic{
		backend:      backend,
		callable:     callable,
		name:         callableName(callable),
		maxCacheSize: DefaultMaxCacheSize,
	}
}

// SetMaxCache sets the maximum number of captured graphs the wrapper will hold. Set it
// to -1 for no limit. It returns a reference to itself so calls can be cascaded.
func (d *Dynamic) SetMaxCache(maxCacheSize int) *Dynamic {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxCacheSize = maxCacheSize
	return d
}

// CacheSize returns how many graphs have been captured by this wrapper so far.
func (d *Dynamic) CacheSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Name returns the name of the wrapped callable, used in logs and error messages.
func (d *Dynamic) Name() string { return d.name }

// Call fingerprints the arguments, finds or captures the graph for that fingerprint,
// and replays it. The first call with a new shape pays the capture cost (warm-up
// included); subsequent calls with the same shape only pay for the replay.
func (d *Dynamic) Call(args []any, kwargs map[string]any) (any, error) {
	key, err := FingerprintArgs(d.backend, args, kwargs)
	if err != nil {
		return nil, err
	}

	// Fast path: no locks on cache hits.
	if cached, found := d.cache.Load(key); found {
		return cached.(*Graphed).Call(args, kwargs)
	}

	// Slow path: check-lock-recheck, so concurrent first-time calls with the same
	// fingerprint trigger exactly one capture.
	d.mu.Lock()
	cached, found := d.cache.Load(key)
	if !found {
		if d.maxCacheSize >= 0 && d.size >= d.maxCacheSize {
			d.mu.Unlock()
			return nil, usageErrorf(
				"maximum cache size (%d) reached for %q, cannot capture another graph -- "+
					"a new graph is captured for each different shape of the arguments, consider "+
					"padding inputs to stable shapes, or change the limit with SetMaxCache",
				d.maxCacheSize, d.name)
		}
		klog.V(1).Infof("graphs: dynamically graphing %s", d.name)
		graphed, err := Capture(d.backend, d.callable, args, kwargs)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.cache.Store(key, graphed)
		d.size++
		cached = graphed
	}
	d.mu.Unlock()
	return cached.(*Graphed).Call(args, kwargs)
}

// Func returns the wrapper as a plain Func, a drop-in replacement for the wrapped
// callable.
func (d *Dynamic) Func() Func { return d.Call }
