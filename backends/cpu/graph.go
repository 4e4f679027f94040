package cpu

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/cudagraphs/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile-time check:
var _ backends.GraphInterface = (*Backend)(nil)

// Graph is a recorded sequence of stream tasks. The tasks hold references to the buffers
// they were recorded with, so replaying re-reads (and overwrites) those same buffers.
type Graph struct {
	id     string
	device backends.DeviceNum
	pool   *Pool
	ops    []func()

	// sealed is set by EndCapture; a sealed graph never changes again.
	sealed bool
}

// ID returns an identifier for the graph, unique within the process. It only shows up in
// logs and debug output.
func (g *Graph) ID() string { return g.id }

// NumOps returns how many tasks were recorded.
func (g *Graph) NumOps() int { return len(g.ops) }

func (g *Graph) record(task func()) {
	g.ops = append(g.ops, task)
}

// BeginCapture puts the stream into capture mode: tasks submitted to it are recorded
// into a new Graph instead of executed, and buffer allocations are attributed to pool.
func (b *Backend) BeginCapture(stream backends.Stream, pool backends.MemoryPool) error {
	s, err := b.streamOf(stream)
	if err != nil {
		return err
	}
	p, err := b.poolOf(pool)
	if err != nil {
		return err
	}
	if p.device != s.device {
		return errors.Errorf("backend %q: memory pool of device #%d cannot serve a capture on device #%d",
			BackendName, p.device, s.device)
	}
	// Nothing in flight on the stream may leak into the recording.
	s.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.recording != nil {
		return errors.Errorf("backend %q: stream is already capturing graph %s", BackendName, s.recording.id)
	}
	if b.current != s {
		return errors.Errorf("backend %q: captures can only start on the current stream", BackendName)
	}
	s.recording = &Graph{id: uuid.NewString(), device: s.device, pool: p}
	return nil
}

// EndCapture takes the stream out of capture mode and returns the recorded Graph.
func (b *Backend) EndCapture(stream backends.Stream) (backends.Graph, error) {
	s, err := b.streamOf(stream)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	g := s.recording
	s.recording = nil
	b.mu.Unlock()
	if g == nil {
		return nil, errors.Errorf("backend %q: EndCapture on a stream that is not capturing", BackendName)
	}
	g.sealed = true
	if klog.V(1).Enabled() {
		buffers, bytes := g.pool.Stats()
		klog.Infof("backend %q: captured graph %s on device #%d: %d op(s), pool now holds %d buffer(s), %s",
			BackendName, g.id, g.device, len(g.ops), buffers, humanize.IBytes(uint64(bytes)))
	}
	return g, nil
}

// GraphReplay re-executes the recorded tasks, in order, on the current stream, and waits
// for them to complete.
func (b *Backend) GraphReplay(graph backends.Graph) error {
	g, ok := graph.(*Graph)
	if !ok || g == nil {
		return errors.Errorf("backend %q: graph %T is not a *cpu.Graph", BackendName, graph)
	}
	if !g.sealed {
		return errors.Errorf("backend %q: graph %s is still being captured, cannot replay", BackendName, g.id)
	}
	s := b.currentStream()
	s.Submit(func() {
		for _, op := range g.ops {
			op()
		}
	})
	s.Wait()
	return nil
}

// recordingGraph returns the graph the stream is currently capturing into, or nil.
func (s *Stream) recordingGraph() *Graph {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return s.recording
}
