package pipeline

import (
	"errors"
	"fmt"
	"osmoscope/pkg/logger"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidPort           = errors.New("invalid port")
	ErrInputAlreadyConnected = errors.New("input port already connected")
	ErrUnconnectedPort       = errors.New("port not connected")
	ErrGraphStarted          = errors.New("graph already started")
	ErrGraphStopped          = errors.New("graph already stopped")
)

// Endpoint 表示某个块上的一个端口
type Endpoint struct {
	Block Component
	Port  int
}

// Port 构造 Endpoint，写法上对应 (block, port)
func Port(block Component, port int) Endpoint {
	return Endpoint{Block: block, Port: port}
}

func (e Endpoint) String() string {
	if e.Block == nil {
		return fmt.Sprintf("<nil>:%d", e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Block.GetName(), e.Port)
}

// Edge 表示一条从输出端口到输入端口的有向连接，建立后不可变
type Edge struct {
	Src Endpoint
	Dst Endpoint
}

func (e Edge) String() string {
	return e.Src.String() + " -> " + e.Dst.String()
}

// Graph 流图：管理块之间的连接、启动顺序和健康检查
type Graph struct {
	name   string
	blocks []Component
	edges  []Edge
	mu     sync.Mutex

	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	teeWG    sync.WaitGroup

	healthCheckInterval time.Duration
	healthCheckTicker   *time.Ticker
	lastHealthCheck     map[interface{}]ComponentHealth
	healthLock          sync.RWMutex
	teeDropped          int64
}

// NewGraph 创建新的流图
func NewGraph(name string) *Graph {
	return &Graph{
		name:                name,
		stopCh:              make(chan struct{}),
		healthCheckInterval: 30 * time.Second, // 默认每30秒检查一次
		lastHealthCheck:     make(map[interface{}]ComponentHealth),
	}
}

// Name 返回流图名称
func (g *Graph) Name() string {
	return g.name
}

// Connect 连接 src 的输出端口到 dst 的输入端口
// 一个输出端口可以有多个消费者，一个输入端口只能有一个生产者
func (g *Graph) Connect(src, dst Endpoint) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrGraphStarted
	}
	if src.Block == nil || dst.Block == nil {
		return fmt.Errorf("connect %s -> %s: nil block", src, dst)
	}
	if src.Block == dst.Block {
		return fmt.Errorf("connect %s -> %s: self loop", src, dst)
	}
	if src.Port < 0 || src.Port >= src.Block.IOSignature().MaxOut {
		return fmt.Errorf("connect %s -> %s: output %w", src, dst, ErrInvalidPort)
	}
	if dst.Port < 0 || dst.Port >= dst.Block.IOSignature().MaxIn {
		return fmt.Errorf("connect %s -> %s: input %w", src, dst, ErrInvalidPort)
	}
	for _, e := range g.edges {
		if e.Dst == dst {
			return fmt.Errorf("connect %s -> %s: %w (fed by %s)", src, dst, ErrInputAlreadyConnected, e.Src)
		}
	}

	g.addBlock(src.Block)
	g.addBlock(dst.Block)
	g.edges = append(g.edges, Edge{Src: src, Dst: dst})

	logger.Info("Connect component %s[out cap: %d] to %s",
		src, cap(src.Block.GetOutputChan()), dst)
	return nil
}

func (g *Graph) addBlock(block Component) {
	for _, b := range g.blocks {
		if b == block {
			return
		}
	}
	g.blocks = append(g.blocks, block)
}

// Edges 返回所有连接的副本
func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...)
}

// Blocks 返回按加入顺序排列的所有块
func (g *Graph) Blocks() []Component {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Component(nil), g.blocks...)
}

// validate 检查每个块的端口是否满足 IOSignature 的最小要求
func (g *Graph) validate() error {
	for _, b := range g.blocks {
		sig := b.IOSignature()
		ins, outs := map[int]bool{}, map[int]bool{}
		for _, e := range g.edges {
			if e.Dst.Block == b {
				ins[e.Dst.Port] = true
			}
			if e.Src.Block == b {
				outs[e.Src.Port] = true
			}
		}
		if len(ins) < sig.MinIn {
			return fmt.Errorf("%s: %d of %d inputs connected: %w", b.GetName(), len(ins), sig.MinIn, ErrUnconnectedPort)
		}
		if len(outs) < sig.MinOut {
			return fmt.Errorf("%s: %d of %d outputs connected: %w", b.GetName(), len(outs), sig.MinOut, ErrUnconnectedPort)
		}
	}
	return nil
}

// wire 把输出通道接到下游。单个消费者直接共享通道，多个消费者经过 tee 分发
func (g *Graph) wire() {
	consumers := make(map[Component][]Component)
	var order []Component
	for _, e := range g.edges {
		if _, ok := consumers[e.Src.Block]; !ok {
			order = append(order, e.Src.Block)
		}
		consumers[e.Src.Block] = append(consumers[e.Src.Block], e.Dst.Block)
	}

	for _, src := range order {
		dsts := consumers[src]
		if len(dsts) == 1 {
			dsts[0].SetInputChan(src.GetOutputChan())
			continue
		}

		outs := make([]chan Packet, len(dsts))
		for i, dst := range dsts {
			outs[i] = make(chan Packet, cap(src.GetOutputChan()))
			dst.SetInputChan(outs[i])
		}
		g.teeWG.Add(1)
		go g.tee(src, dsts, outs)
	}
}

func (g *Graph) tee(src Component, dsts []Component, outs []chan Packet) {
	defer g.teeWG.Done()
	in := src.GetOutputChan()
	for {
		select {
		case <-g.stopCh:
			return
		case packet, ok := <-in:
			if !ok {
				return
			}
			for i, out := range outs {
				select {
				case out <- packet:
				default:
					logger.Error("%s: tee to %s full, dropping packet", src.GetName(), dsts[i].GetName())
					g.healthLock.Lock()
					g.teeDropped++
					g.healthLock.Unlock()
				}
			}
		}
	}
}

// isSource 没有输入端口的块视为源
func isSource(b Component) bool {
	return b.IOSignature().MaxIn == 0
}

// Start 校验拓扑，连接通道，先启动下游再启动源
func (g *Graph) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrGraphStarted
	}
	// 停止过的流图不能再启动
	select {
	case <-g.stopCh:
		return ErrGraphStopped
	default:
	}
	if len(g.edges) == 0 {
		return fmt.Errorf("no components to connect")
	}
	if err := g.validate(); err != nil {
		return err
	}

	g.wire()

	var ordered []Component
	for _, b := range g.blocks {
		if !isSource(b) {
			ordered = append(ordered, b)
		}
	}
	for _, b := range g.blocks {
		if isSource(b) {
			ordered = append(ordered, b)
		}
	}

	for i, comp := range ordered {
		if err := comp.Start(); err != nil {
			for _, c := range ordered[:i] {
				c.Stop()
			}
			g.stopOnce.Do(func() { close(g.stopCh) })
			return fmt.Errorf("failed to start component %s: %w", comp.GetName(), err)
		}
		logger.Info("Start component: %s", comp.GetName())
	}

	g.started = true
	g.StartHealthCheck()

	return nil
}

// Stop 先停源再停下游，可以重复调用
func (g *Graph) Stop() {
	g.mu.Lock()
	blocks := append([]Component(nil), g.blocks...)
	started := g.started
	g.mu.Unlock()

	g.stopOnce.Do(func() {
		g.healthLock.Lock()
		if g.healthCheckTicker != nil {
			g.healthCheckTicker.Stop()
		}
		g.healthLock.Unlock()
		close(g.stopCh)

		if !started {
			return
		}
		for _, b := range blocks {
			if isSource(b) {
				b.Stop()
			}
		}
		for _, b := range blocks {
			if !isSource(b) {
				b.Stop()
			}
		}
		g.teeWG.Wait()
		logger.Info("Flow graph %s stopped", g.name)
	})
}

// Done 流图停止后关闭
func (g *Graph) Done() <-chan struct{} {
	return g.stopCh
}

// StartHealthCheck 启动健康检查
func (g *Graph) StartHealthCheck() {
	g.healthLock.Lock()
	g.healthCheckTicker = time.NewTicker(g.healthCheckInterval)
	ticker := g.healthCheckTicker
	g.healthLock.Unlock()

	go func() {
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.CheckComponentsHealth()
			}
		}
	}()
}

// CheckComponentsHealth 采集所有块的健康状态并输出一条汇总日志
func (g *Graph) CheckComponentsHealth() {
	blocks := g.Blocks()

	g.healthLock.Lock()
	defer g.healthLock.Unlock()

	var healthInfo []string
	var stateChanges []string
	var droppedInfo []string

	for _, comp := range blocks {
		health := comp.GetHealth()
		lastHealth, exists := g.lastHealthCheck[comp.GetID()]

		if !exists || lastHealth.State != health.State {
			stateChanges = append(stateChanges, fmt.Sprintf("%s:%s->%s",
				comp.GetName(), lastHealth.State, health.State))
		}

		if exists && health.DroppedCount > lastHealth.DroppedCount {
			droppedInfo = append(droppedInfo, fmt.Sprintf("%s:+%d",
				comp.GetName(), health.DroppedCount-lastHealth.DroppedCount))
		}

		healthInfo = append(healthInfo, fmt.Sprintf("[%s]: state=%s in=%d out=%d proc=%d drop=%d err=%v",
			comp.GetName(),
			health.State,
			health.InputQueueSize,
			health.OutputQueueSize,
			health.ProcessedCount,
			health.DroppedCount,
			health.LastError != nil))

		g.lastHealthCheck[comp.GetID()] = health
	}

	var logParts []string
	logParts = append(logParts, fmt.Sprintf("Components:\n%s", strings.Join(healthInfo, "\n")))
	if len(stateChanges) > 0 {
		logParts = append(logParts, fmt.Sprintf("StateChanges:\n%s", strings.Join(stateChanges, "\n")))
	}
	if len(droppedInfo) > 0 {
		logParts = append(logParts, fmt.Sprintf("Dropped:\n%s", strings.Join(droppedInfo, "\n")))
	}
	if g.teeDropped > 0 {
		logParts = append(logParts, fmt.Sprintf("TeeDropped: %d", g.teeDropped))
	}

	logger.Info("Flow graph %s stats:\n%s", g.name, strings.Join(logParts, "\n\n"))
}

// GetComponentHealth 获取指定组件最近一次检查的健康状态
func (g *Graph) GetComponentHealth(id interface{}) (ComponentHealth, bool) {
	g.healthLock.RLock()
	defer g.healthLock.RUnlock()

	health, exists := g.lastHealthCheck[id]
	return health, exists
}

// GetAllComponentsHealth 按组件名称返回当前健康状态
func (g *Graph) GetAllComponentsHealth() map[string]ComponentHealth {
	result := make(map[string]ComponentHealth)
	for _, b := range g.Blocks() {
		result[b.GetName()] = b.GetHealth()
	}
	return result
}

// SetHealthCheckInterval 设置健康检查间隔
func (g *Graph) SetHealthCheckInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.healthLock.Lock()
	defer g.healthLock.Unlock()
	g.healthCheckInterval = interval
	if g.healthCheckTicker != nil {
		g.healthCheckTicker.Reset(interval)
	}
}
