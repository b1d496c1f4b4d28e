package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	*BaseComponent
	n       int
	started bool
}

func newCountingSource(name string, n int) *countingSource {
	s := &countingSource{BaseComponent: NewBaseComponent(name, 16), n: n}
	s.SetIOSignature(SourceSignature)
	return s
}

func (s *countingSource) Start() error {
	s.started = true
	s.SetState(ComponentStateRunning)
	go func() {
		for i := 0; i < s.n; i++ {
			s.SendPacket(i, s)
		}
		s.ForwardPacket(GenEndOfStreamPacket(s))
	}()
	return nil
}

type recordingSink struct {
	*BaseComponent
	mu     sync.Mutex
	values []int
	eos    chan struct{}
	err    error
}

func newRecordingSink(name string) *recordingSink {
	s := &recordingSink{BaseComponent: NewBaseComponent(name, 16), eos: make(chan struct{})}
	s.SetIOSignature(SinkSignature)
	s.SetProcess(func(p Packet) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.values = append(s.values, p.Data.(int))
	})
	s.RegisterCommandHandler(PacketCommandEndOfStream, func(Packet) { close(s.eos) })
	return s
}

func (s *recordingSink) Start() error {
	if s.err != nil {
		return s.err
	}
	return s.BaseComponent.Start()
}

func (s *recordingSink) got() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.values...)
}

func waitEOS(t *testing.T, s *recordingSink) {
	t.Helper()
	select {
	case <-s.eos:
	case <-time.After(time.Second):
		t.Fatalf("%s did not receive end of stream", s.GetName())
	}
}

func TestGraph_ConnectValidation(t *testing.T) {
	g := NewGraph("test")
	src := newCountingSource("src", 0)
	sink := newRecordingSink("sink")
	other := newCountingSource("other", 0)

	require.NoError(t, g.Connect(Port(src, 0), Port(sink, 0)))
	assert.Equal(t, []Edge{{Src: Port(src, 0), Dst: Port(sink, 0)}}, g.Edges())
	assert.Equal(t, "src:0 -> sink:0", g.Edges()[0].String())

	err := g.Connect(Port(other, 0), Port(sink, 0))
	assert.ErrorIs(t, err, ErrInputAlreadyConnected)

	assert.ErrorIs(t, g.Connect(Port(src, 1), Port(newRecordingSink("s2"), 0)), ErrInvalidPort)
	assert.ErrorIs(t, g.Connect(Port(src, 0), Port(newRecordingSink("s3"), 1)), ErrInvalidPort)
	assert.ErrorIs(t, g.Connect(Port(sink, 0), Port(src, 0)), ErrInvalidPort)
	assert.Error(t, g.Connect(Port(nil, 0), Port(sink, 0)))

	assert.Len(t, g.Edges(), 1)
	assert.Len(t, g.Blocks(), 2)
}

func TestGraph_StreamsToSink(t *testing.T) {
	g := NewGraph("test")
	g.SetHealthCheckInterval(10 * time.Millisecond)
	src := newCountingSource("src", 5)
	sink := newRecordingSink("sink")
	require.NoError(t, g.Connect(Port(src, 0), Port(sink, 0)))

	require.NoError(t, g.Start())
	assert.ErrorIs(t, g.Start(), ErrGraphStarted)
	assert.ErrorIs(t, g.Connect(Port(src, 0), Port(newRecordingSink("late"), 0)), ErrGraphStarted)

	waitEOS(t, sink)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, sink.got())

	assert.Eventually(t, func() bool {
		_, ok := g.GetComponentHealth("sink")
		return ok
	}, time.Second, 5*time.Millisecond)

	health := g.GetAllComponentsHealth()
	assert.Equal(t, int64(5), health["src"].ProcessedCount)
	assert.Equal(t, ComponentStateRunning, health["sink"].State)

	g.Stop()
	g.Stop()
	select {
	case <-g.Done():
	default:
		t.Fatal("graph not done after stop")
	}
}

func TestGraph_TeeToTwoConsumers(t *testing.T) {
	g := NewGraph("tee")
	src := newCountingSource("src", 3)
	a := newRecordingSink("a")
	b := newRecordingSink("b")
	require.NoError(t, g.Connect(Port(src, 0), Port(a, 0)))
	require.NoError(t, g.Connect(Port(src, 0), Port(b, 0)))

	require.NoError(t, g.Start())
	defer g.Stop()

	waitEOS(t, a)
	waitEOS(t, b)
	assert.Equal(t, []int{0, 1, 2}, a.got())
	assert.Equal(t, []int{0, 1, 2}, b.got())
}

func TestGraph_StartErrors(t *testing.T) {
	assert.Error(t, NewGraph("empty").Start())

	g := NewGraph("unconnected")
	filter := NewBaseComponent("filter", 1)
	src := newCountingSource("src", 0)
	require.NoError(t, g.Connect(Port(src, 0), Port(filter, 0)))
	assert.ErrorIs(t, g.Start(), ErrUnconnectedPort)

	g = NewGraph("failing")
	sink := newRecordingSink("sink")
	sink.err = errors.New("boom")
	src = newCountingSource("src", 0)
	require.NoError(t, g.Connect(Port(src, 0), Port(sink, 0)))
	assert.ErrorContains(t, g.Start(), "boom")
	assert.False(t, src.started)
}

func TestGraph_StartAfterStop(t *testing.T) {
	g := NewGraph("stopped")
	src := newCountingSource("src", 3)
	sink := newRecordingSink("sink")
	require.NoError(t, g.Connect(Port(src, 0), Port(sink, 0)))

	g.Stop()
	assert.ErrorIs(t, g.Start(), ErrGraphStopped)
	assert.False(t, src.started)
	assert.Equal(t, ComponentStateInitial, sink.GetHealth().State)

	// 启动失败后同样不能重试
	g = NewGraph("failed")
	sink = newRecordingSink("sink")
	sink.err = errors.New("boom")
	require.NoError(t, g.Connect(Port(newCountingSource("src", 0), 0), Port(sink, 0)))
	require.Error(t, g.Start())
	sink.err = nil
	assert.ErrorIs(t, g.Start(), ErrGraphStopped)
}

func TestBaseComponent_DropsWhenFull(t *testing.T) {
	c := NewBaseComponent("c", 1)
	c.SendPacket(1, nil)
	c.SendPacket(2, nil)
	health := c.GetHealth()
	assert.Equal(t, int64(1), health.ProcessedCount)
	assert.Equal(t, int64(1), health.DroppedCount)
	assert.Equal(t, 2, c.GetSeq())

	c.SetInputChan(make(chan Packet))
	c.Process(Packet{Data: 3})
	assert.Equal(t, int64(2), c.GetHealth().DroppedCount)

	c.Stop()
	c.Stop()
}
