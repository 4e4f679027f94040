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

import "github.com/pkg/errors"

// Error taxonomy. All errors returned by this package wrap one of these sentinels, so
// callers can classify with errors.Is. None of them is retried internally: a usage error
// means the call itself is wrong, and retrying after a driver failure is unsafe because
// partial capture state may exist.
var (
	// ErrUsage marks fatal caller mistakes: no device-resident buffer among capture
	// example arguments, shape/type/length mismatches between live call and static
	// buffers at replay time, or a non-buffer value changing across calls despite being
	// baked into a captured graph.
	ErrUsage = errors.New("usage error")

	// ErrResource marks driver failures during stream creation, pool allocation, or
	// graph capture/replay. They surface to the caller unchanged in meaning; the capture
	// or replay that hit them must be considered lost.
	ErrResource = errors.New("resource error")
)

// usageErrorf returns an error wrapping ErrUsage, with a stack trace.
func usageErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrUsage, format, args...)
}

// resourceErrorf returns an error wrapping ErrResource, with a stack trace. The
// underlying driver error should be rendered into the message with %v.
func resourceErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrResource, format, args...)
}
