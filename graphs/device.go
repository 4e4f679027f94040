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

import "github.com/gomlx/cudagraphs/backends"

// deviceFromTree scans the value depth-first and returns the device ordinal of the first
// GPU-resident buffer it finds. found is false if there is no GPU-resident buffer
// anywhere in the tree -- host buffers and scalars don't count.
//
// It decides which ExecutionEnv a capture runs under, once, at the top of Capture.
func deviceFromTree(backend backends.Backend, value any) (device backends.DeviceNum, found bool) {
	if backend.IsBuffer(value) {
		bufDevice, err := backend.BufferDevice(value)
		if err != nil || !bufDevice.IsGPU() {
			return 0, false
		}
		return bufDevice.Num, true
	}
	switch v := value.(type) {
	case []any:
		for _, elem := range v {
			if device, found = deviceFromTree(backend, elem); found {
				return
			}
		}
	case map[string]any:
		for _, elem := range v {
			if device, found = deviceFromTree(backend, elem); found {
				return
			}
		}
	}
	return 0, false
}
