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

// graphbench measures how much per-call overhead graph capture/replay removes: it runs
// the same chain of element-wise kernels eagerly and as a dynamically graphed callable,
// and reports the per-call latency of each.
//
// Example:
//
//	go run ./cmd/graphbench -steps 10000 -size 4096 -layers 16
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/backends/cpu"
	"github.com/gomlx/cudagraphs/graphs"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagSteps  = flag.Int("steps", 10000, "Number of timed calls per variant.")
	flagSize   = flag.Int("size", 4096, "Number of elements of the input buffer.")
	flagLayers = flag.Int("layers", 16, "Number of chained element-wise kernels per call.")
)

// model returns a callable issuing flagLayers alternating scale/add kernels: enough
// launches per call for the dispatch overhead to dominate eager execution.
func model(b *cpu.Backend) graphs.Func {
	numLayers := *flagLayers
	return func(args []any, kwargs map[string]any) (any, error) {
		x := args[0].(*cpu.Buffer)
		out, err := b.NewBuffer(x.Device(), x.Shape())
		if err != nil {
			return nil, err
		}
		if err := b.Scale(out, x, 1.0001); err != nil {
			return nil, err
		}
		for layer := 1; layer < numLayers; layer++ {
			if layer%2 == 0 {
				err = b.Scale(out, out, 1.0001)
			} else {
				err = b.AddScalar(out, out, 0.001)
			}
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}

func timeCalls(name string, steps int, fn func() error) time.Duration {
	bar := progressbar.Default(int64(steps), name)
	start := time.Now()
	for range steps {
		must.M(fn())
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	must.M(bar.Finish())
	return elapsed / time.Duration(steps)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	backend := backends.New().(*cpu.Backend)
	defer backend.Finalize()
	input := must.M1(cpu.FromFlat(backend, backends.GPU(0), make([]float32, *flagSize), *flagSize))
	fn := model(backend)
	args := []any{input}

	fmt.Printf("graphbench: %d element(s), %d kernel(s) per call, %d call(s) per variant\n",
		*flagSize, *flagLayers, *flagSteps)

	eager := timeCalls("eager", *flagSteps, func() error {
		_, err := fn(args, nil)
		if err != nil {
			return err
		}
		return backend.Synchronize()
	})

	wrapped := graphs.NewDynamic(backend, fn).Func()
	must.M1(wrapped(args, nil)) // Pays for the capture up front.
	replay := timeCalls("replay", *flagSteps, func() error {
		_, err := wrapped(args, nil)
		return err
	})

	env := must.M1(graphs.EnvForDevice(backend, 0))
	poolBuffers, poolBytes := env.MemoryPool().(*cpu.Pool).Stats()
	fmt.Printf("eager:  %s/call\n", eager)
	fmt.Printf("replay: %s/call (%.1fx)\n", replay, float64(eager)/float64(replay))
	fmt.Printf("capture pool: %d buffer(s), %s\n", poolBuffers, humanize.IBytes(uint64(poolBytes)))
}
