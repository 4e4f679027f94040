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
	"reflect"

	"github.com/gomlx/cudagraphs/backends"
)

// treeCopy copies values from src into dst, recursing structurally. It is how
// caller-supplied runtime values are injected into a captured graph's fixed-address
// static buffers before each replay.
//
//   - dst is a buffer: in-place value copy from src (which must be a buffer of equal
//     shape) into dst -- dst keeps its address.
//   - dst is a []any: element-wise recursion, paired by position. Differing lengths are
//     a contract violation, never a truncation.
//   - dst is a map[string]any: recursion per key present in dst; src missing any such
//     key is a contract violation.
//   - anything else: dst and src must be exactly equal. Capturing a graph conditioned
//     on a non-buffer value bakes that value into the recording as a constant;
//     supplying a different value on replay must fail, not silently substitute it.
//
// Every mismatch is reported as ErrUsage.
func treeCopy(backend backends.Backend, dst, src any) error {
	if backend.IsBuffer(dst) {
		if !backend.IsBuffer(src) {
			return usageErrorf("cannot copy a %T into a static buffer captured at this position", src)
		}
		if err := backend.BufferCopy(dst, src); err != nil {
			return usageErrorf("copying into static buffer: %v", err)
		}
		return nil
	}
	switch dstV := dst.(type) {
	case []any:
		srcV, ok := src.([]any)
		if !ok {
			return usageErrorf("expected a sequence at this position, got %T", src)
		}
		if len(srcV) != len(dstV) {
			return usageErrorf("sequence has %d element(s), captured with %d", len(srcV), len(dstV))
		}
		for ii := range dstV {
			if err := treeCopy(backend, dstV[ii], srcV[ii]); err != nil {
				return err
			}
		}
	case map[string]any:
		srcV, ok := src.(map[string]any)
		if !ok {
			return usageErrorf("expected a mapping at this position, got %T", src)
		}
		for key, dstElem := range dstV {
			srcElem, ok := srcV[key]
			if !ok {
				return usageErrorf("mapping is missing key %q, present at capture time", key)
			}
			if err := treeCopy(backend, dstElem, srcElem); err != nil {
				return err
			}
		}
	default:
		if !reflect.DeepEqual(dst, src) {
			return usageErrorf("value %v (%T) was baked into the captured graph, got %v (%T) -- non-buffer values cannot change across calls",
				dst, dst, src, src)
		}
	}
	return nil
}

// deepCopyTree returns an independent copy of the value tree: buffers are cloned to
// fresh addresses, sequences and mappings are rebuilt, scalars are shared (immutable).
//
// Capture-adjacent runs can have side effects on mutable inputs, so warm-up runs and
// static buffers each get their own copy.
func deepCopyTree(backend backends.Backend, value any) (any, error) {
	if backend.IsBuffer(value) {
		clone, err := backend.BufferClone(value)
		if err != nil {
			return nil, resourceErrorf("deep-copying buffer: %v", err)
		}
		return clone, nil
	}
	switch v := value.(type) {
	case []any:
		clone := make([]any, len(v))
		for ii, elem := range v {
			var err error
			if clone[ii], err = deepCopyTree(backend, elem); err != nil {
				return nil, err
			}
		}
		return clone, nil
	case map[string]any:
		clone := make(map[string]any, len(v))
		for key, elem := range v {
			var err error
			if clone[key], err = deepCopyTree(backend, elem); err != nil {
				return nil, err
			}
		}
		return clone, nil
	}
	return value, nil
}

// deepCopyArgs deep-copies a positional+keyword argument list.
func deepCopyArgs(backend backends.Backend, args []any, kwargs map[string]any) ([]any, map[string]any, error) {
	argsCopy, err := deepCopyTree(backend, args)
	if err != nil {
		return nil, nil, err
	}
	kwargsCopy, err := deepCopyTree(backend, kwargs)
	if err != nil {
		return nil, nil, err
	}
	return argsCopy.([]any), kwargsCopy.(map[string]any), nil
}
