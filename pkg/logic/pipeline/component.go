package pipeline

import (
	"fmt"
	"osmoscope/pkg/logger"
	"sync"
	"time"
)

// Packet 定义了流图中传递的数据包
type Packet struct {
	Data    interface{} // 通常是 codec.IQPacket
	Seq     int
	Src     interface{}
	Command PacketCommand // 用于流控制指令，如流结束
}

// PacketCommand 定义了数据包的特殊指令
type PacketCommand int

const (
	PacketCommandNone        PacketCommand = iota // 普通数据包
	PacketCommandEndOfStream                      // 上游数据已经结束
)

// GenEndOfStreamPacket 生成一个流结束指令包
func GenEndOfStreamPacket(src interface{}) Packet {
	return Packet{
		Src:     src,
		Command: PacketCommandEndOfStream,
	}
}

// ComponentState 定义组件的运行状态
type ComponentState int

const (
	ComponentStateInitial ComponentState = iota
	ComponentStateStarting
	ComponentStateRunning
	ComponentStateWarning
	ComponentStateStopping
	ComponentStateStopped
	ComponentStateError
)

// String 返回状态的字符串表示
func (s ComponentState) String() string {
	switch s {
	case ComponentStateInitial:
		return "Initial"
	case ComponentStateStarting:
		return "Starting"
	case ComponentStateRunning:
		return "Running"
	case ComponentStateWarning:
		return "Warning"
	case ComponentStateStopping:
		return "Stopping"
	case ComponentStateStopped:
		return "Stopped"
	case ComponentStateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalText 让状态在 JSON 中显示为名称
func (s ComponentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth 定义组件的健康信息
type ComponentHealth struct {
	State           ComponentState `json:"state"`
	LastError       error          `json:"-"`
	LastErrorTime   time.Time      `json:"last_error_time,omitempty"`
	ProcessedCount  int64          `json:"processed_count"`
	DroppedCount    int64          `json:"dropped_count"`
	InputQueueSize  int            `json:"input_queue_size"`
	OutputQueueSize int            `json:"output_queue_size"`
	StartTime       time.Time      `json:"start_time"`
	LastUpdateTime  time.Time      `json:"last_update_time"`
}

// IOSignature 描述组件输入、输出端口数量的约束
type IOSignature struct {
	MinIn  int
	MaxIn  int
	MinOut int
	MaxOut int
}

var (
	// SourceSignature 没有输入，只有一个输出
	SourceSignature = IOSignature{MinIn: 0, MaxIn: 0, MinOut: 1, MaxOut: 1}
	// SinkSignature 只有一个输入，没有输出
	SinkSignature = IOSignature{MinIn: 1, MaxIn: 1, MinOut: 0, MaxOut: 0}
	// FilterSignature 一进一出
	FilterSignature = IOSignature{MinIn: 1, MaxIn: 1, MinOut: 1, MaxOut: 1}
)

// Component 接口定义了流图中一个块的基本行为
type Component interface {
	Process(packet Packet)
	GetID() interface{}
	GetName() string
	IOSignature() IOSignature

	Start() error               // 启动组件的处理循环
	Stop()                      // 停止组件
	GetInputChan() chan Packet  // 获取组件的输入 channel
	GetOutputChan() chan Packet // 获取组件的输出 channel
	SetInputChan(chan Packet)   // 设置组件的输入 channel
	SetOutputChan(chan Packet)  // 设置组件的输出 channel

	GetHealth() ComponentHealth          // 获取组件健康状态
	UpdateHealth(health ComponentHealth) // 更新组件健康状态
}

// BaseComponent 提供了基础的 channel 处理逻辑
type BaseComponent struct {
	inputChan  chan Packet
	outputChan chan Packet
	stopCh     chan struct{}
	stopOnce   sync.Once
	process    func(Packet) // 实际的处理函数
	name       string       // 组件名称
	seq        int
	signature  IOSignature

	health     ComponentHealth
	healthLock sync.RWMutex

	commandHandlers map[PacketCommand]func(Packet)
	handlersLock    sync.RWMutex
}

// NewBaseComponent 创建一个新的基础组件，默认一进一出
func NewBaseComponent(name string, bufferSize int) *BaseComponent {
	now := time.Now()
	return &BaseComponent{
		outputChan: make(chan Packet, bufferSize),
		stopCh:     make(chan struct{}),
		name:       name,
		signature:  FilterSignature,
		health: ComponentHealth{
			State:          ComponentStateInitial,
			StartTime:      now,
			LastUpdateTime: now,
		},
		commandHandlers: make(map[PacketCommand]func(Packet)),
	}
}

// IOSignature 实现 Component 接口
func (b *BaseComponent) IOSignature() IOSignature {
	return b.signature
}

// SetIOSignature 设置端口约束
func (b *BaseComponent) SetIOSignature(sig IOSignature) {
	b.signature = sig
}

func (b *BaseComponent) GetInputChan() chan Packet {
	return b.inputChan
}

func (b *BaseComponent) SetInputChan(ch chan Packet) {
	b.inputChan = ch
}

func (b *BaseComponent) GetOutputChan() chan Packet {
	return b.outputChan
}

func (b *BaseComponent) SetOutputChan(ch chan Packet) {
	b.outputChan = ch
}

// Start 启动处理循环
func (b *BaseComponent) Start() error {
	b.SetState(ComponentStateStarting)
	go b.processLoop()
	return nil
}

// Stop 可以重复调用
func (b *BaseComponent) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Process 以非阻塞方式投递到输入通道
func (b *BaseComponent) Process(packet Packet) {
	select {
	case b.inputChan <- packet:
	default:
		logger.Error("**%s** Input channel full, dropping packet", b.name)
		b.UpdateDroppedStatus()
	}
}

// RegisterCommandHandler 注册指令处理函数
func (b *BaseComponent) RegisterCommandHandler(cmd PacketCommand, handler func(Packet)) {
	b.handlersLock.Lock()
	defer b.handlersLock.Unlock()
	b.commandHandlers[cmd] = handler
}

// UnregisterCommandHandler 注销指令处理函数
func (b *BaseComponent) UnregisterCommandHandler(cmd PacketCommand) {
	b.handlersLock.Lock()
	defer b.handlersLock.Unlock()
	delete(b.commandHandlers, cmd)
}

// processLoop 是组件的主处理循环
func (b *BaseComponent) processLoop() {
	b.SetState(ComponentStateRunning)

	for {
		select {
		case <-b.stopCh:
			b.SetState(ComponentStateStopped)
			return
		case packet, ok := <-b.inputChan:
			if !ok {
				b.SetState(ComponentStateStopped)
				return
			}

			b.healthLock.Lock()
			b.health.ProcessedCount++
			b.healthLock.Unlock()

			if packet.Command != PacketCommandNone {
				b.HandleCommandPacket(packet)
				continue
			}

			if b.process != nil {
				b.process(packet)
			}
		}
	}
}

// SetProcess 设置组件的处理函数
func (b *BaseComponent) SetProcess(process func(Packet)) {
	b.process = process
}

func (b *BaseComponent) GetSeq() int {
	return b.seq
}

func (b *BaseComponent) IncrSeq() {
	b.seq++
}

// SetState 更新运行状态
func (b *BaseComponent) SetState(state ComponentState) {
	b.healthLock.Lock()
	defer b.healthLock.Unlock()
	b.health.State = state
	b.health.LastUpdateTime = time.Now()
}

// GetHealth 实现 Component 接口
func (b *BaseComponent) GetHealth() ComponentHealth {
	b.healthLock.Lock()
	defer b.healthLock.Unlock()

	b.health.InputQueueSize = len(b.inputChan)
	b.health.OutputQueueSize = len(b.outputChan)
	b.health.LastUpdateTime = time.Now()

	return b.health
}

// UpdateHealth 实现 Component 接口
func (b *BaseComponent) UpdateHealth(health ComponentHealth) {
	b.healthLock.Lock()
	defer b.healthLock.Unlock()
	b.health = health
}

// ForwardPacket 转发数据包到输出通道
func (b *BaseComponent) ForwardPacket(packet Packet) {
	outChan := b.GetOutputChan()
	if outChan != nil {
		select {
		case outChan <- packet:
		default:
			logger.Error("%s: output channel full, dropping packet", b.name)
			b.UpdateDroppedStatus()
		}
	}
}

// SendPacket 发送新的数据包到输出通道，通道满时丢弃并计数
func (b *BaseComponent) SendPacket(data interface{}, src interface{}) {
	outChan := b.GetOutputChan()
	if outChan != nil {
		select {
		case outChan <- Packet{
			Data: data,
			Seq:  b.seq,
			Src:  src,
		}:
			b.healthLock.Lock()
			b.health.ProcessedCount++
			b.healthLock.Unlock()
		default:
			logger.Error("%s: output channel full, dropping packet", b.name)
			b.UpdateDroppedStatus()
		}
	}
	b.IncrSeq()
}

// HandleCommandPacket 处理指令包，没有注册处理函数时返回 false
func (b *BaseComponent) HandleCommandPacket(packet Packet) bool {
	b.handlersLock.RLock()
	handler, exists := b.commandHandlers[packet.Command]
	b.handlersLock.RUnlock()
	if exists {
		handler(packet)
		return true
	}

	return false
}

// UpdateErrorStatus 更新错误状态
func (b *BaseComponent) UpdateErrorStatus(err error) {
	b.healthLock.Lock()
	defer b.healthLock.Unlock()
	b.health.LastError = err
	b.health.LastErrorTime = time.Now()
}

// UpdateDroppedStatus 更新丢包状态
func (b *BaseComponent) UpdateDroppedStatus() {
	b.healthLock.Lock()
	defer b.healthLock.Unlock()
	b.health.DroppedCount++
}

// HandleUnsupportedData 处理不支持的数据类型
func (b *BaseComponent) HandleUnsupportedData(data interface{}) {
	err := fmt.Errorf("%s: unsupported data type: %T", b.name, data)
	logger.Error("%v", err)
	b.UpdateErrorStatus(err)
}

// GetID 默认使用组件名称作为 ID
func (b *BaseComponent) GetID() interface{} {
	return b.name
}

// GetName 获取组件名称
func (b *BaseComponent) GetName() string {
	return b.name
}

// GetStopCh 获取停止通道
func (b *BaseComponent) GetStopCh() chan struct{} {
	return b.stopCh
}
