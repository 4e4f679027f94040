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
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/cudagraphs/backends"
)

// Fingerprint is the structural cache key derived from a call's arguments: device, dtype
// and shape of every buffer, scalar values of primitives, and -- for single-element
// host-resident buffers -- their literal value. Two calls with equal fingerprints can
// share one captured graph.
//
// It is a deterministic, order-sensitive encoding: sequence order matters, mapping keys
// are sorted so key-iteration order never causes spurious cache misses.
type Fingerprint string

// FingerprintArgs derives the Fingerprint of a positional+keyword argument list.
//
// Per argument tree node:
//
//   - a backend buffer contributes (device kind, device ordinal, dtype, shape) and,
//     only if host-resident with exactly one element, its scalar value -- device-resident
//     buffer values never force a recapture;
//   - primitive scalars (numeric, bool, string, []byte) contribute their value;
//   - []any sequences contribute the ordered fingerprints of their elements;
//   - map[string]any mappings contribute (key, fingerprint) pairs sorted by key;
//   - anything else contributes a wildcard that never distinguishes calls. This is an
//     intentional equivalence class: only shape-affecting properties should force a
//     recapture, and values the recursion cannot see through are assumed (and at replay
//     time verified, see the structural copy) to be constant.
//
// It is a pure function of the arguments' structure: no side effects, and it never
// triggers device synchronization.
func FingerprintArgs(backend backends.Backend, args []any, kwargs map[string]any) (Fingerprint, error) {
	args, kwargs = normalizeArgs(args, kwargs)
	var sb strings.Builder
	if err := hashArg(&sb, backend, args); err != nil {
		return "", err
	}
	sb.WriteByte('|')
	if err := hashArg(&sb, backend, kwargs); err != nil {
		return "", err
	}
	return Fingerprint(sb.String()), nil
}

// hashArg appends the tagged encoding of one argument tree to sb.
func hashArg(sb *strings.Builder, backend backends.Backend, arg any) error {
	if backend.IsBuffer(arg) {
		return hashBuffer(sb, backend, arg)
	}
	switch v := arg.(type) {
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		fmt.Fprintf(sb, "v<%T:%v>", v, v)
	case string:
		fmt.Fprintf(sb, "v<string:%q>", v)
	case []byte:
		fmt.Fprintf(sb, "v<bytes:%q>", v)
	case []any:
		sb.WriteString("s(")
		for ii, elem := range v {
			if ii > 0 {
				sb.WriteByte(';')
			}
			if err := hashArg(sb, backend, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(')')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		sb.WriteString("m(")
		for ii, key := range keys {
			if ii > 0 {
				sb.WriteByte(';')
			}
			fmt.Fprintf(sb, "%q=", key)
			if err := hashArg(sb, backend, v[key]); err != nil {
				return err
			}
		}
		sb.WriteByte(')')
	default:
		// Wildcard: unfingerprinted types never distinguish calls.
		sb.WriteByte('_')
	}
	return nil
}

// hashBuffer appends the encoding of a buffer leaf: placement, dtype, dimensions and,
// for single-element host buffers only, the scalar value.
func hashBuffer(sb *strings.Builder, backend backends.Backend, buffer backends.Buffer) error {
	device, err := backend.BufferDevice(buffer)
	if err != nil {
		return resourceErrorf("fingerprinting buffer: %v", err)
	}
	shape, err := backend.BufferShape(buffer)
	if err != nil {
		return resourceErrorf("fingerprinting buffer: %v", err)
	}
	fmt.Fprintf(sb, "b<%s,%s,%v,", device, shape.DType, shape.Dimensions)
	if !device.IsGPU() && shape.Size() == 1 {
		value, err := backend.BufferItem(buffer)
		if err != nil {
			return resourceErrorf("fingerprinting host scalar buffer: %v", err)
		}
		fmt.Fprintf(sb, "%T:%v>", value, value)
	} else {
		sb.WriteString("->")
	}
	return nil
}
