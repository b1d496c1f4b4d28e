package flux

import (
	"errors"
	"fmt"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/codec"
	"osmoscope/pkg/logic/pipeline"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultSourceRate 声卡以 96kHz 采样
	DefaultSourceRate = 96000.0
	// DefaultBufferSize 每个数据包的采样点数
	DefaultBufferSize = 4096
)

var ErrNoDevice = errors.New("no osmosdr devices found")

// SourceOptions 创建源时使用的参数
type SourceOptions struct {
	SampleRate float64
	BufferSize int
}

func (o SourceOptions) withDefaults() SourceOptions {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSourceRate
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	return o
}

// DeviceArgs 解析后的设备字符串，例如 "rtl_tcp=127.0.0.1:1234,freq=100e6,gain=20"
type DeviceArgs struct {
	Driver string
	Value  string
	Params map[string]string
}

// ParseDeviceArgs 解析 osmosdr 风格的设备字符串，第一个键为驱动名
func ParseDeviceArgs(args string) (DeviceArgs, error) {
	d := DeviceArgs{Params: map[string]string{}}
	for i, part := range strings.Split(args, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return d, fmt.Errorf("invalid device args %q: empty key", args)
		}
		if i == 0 || d.Driver == "" {
			d.Driver = key
			d.Value = value
			continue
		}
		d.Params[key] = value
	}
	return d, nil
}

// String 还原为设备字符串，参数按键名排序
func (d DeviceArgs) String() string {
	var parts []string
	if d.Driver != "" {
		if d.Value != "" {
			parts = append(parts, d.Driver+"="+d.Value)
		} else {
			parts = append(parts, d.Driver)
		}
	}
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+d.Params[k])
	}
	return strings.Join(parts, ",")
}

// Float 读取数值参数，支持 100e6 这样的写法
func (d DeviceArgs) Float(key string, def float64) (float64, error) {
	v, ok := d.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

// Bool 读取布尔参数
func (d DeviceArgs) Bool(key string, def bool) (bool, error) {
	v, ok := d.Params[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return b, nil
}

// DriverFactory 根据设备参数创建源
type DriverFactory func(args DeviceArgs, opts SourceOptions) (SampleSource, error)

// DeviceProbe 列出某个驱动当前可用的设备字符串
type DeviceProbe func() []string

type driver struct {
	factory DriverFactory
	probe   DeviceProbe
}

var (
	driversMu   sync.RWMutex
	drivers     = map[string]driver{}
	driverOrder []string
)

// RegisterDriver 注册驱动。probe 为 nil 的驱动不参与自动选择
func RegisterDriver(name string, factory DriverFactory, probe DeviceProbe) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, exists := drivers[name]; !exists {
		driverOrder = append(driverOrder, name)
	}
	drivers[name] = driver{factory: factory, probe: probe}
}

// Drivers 返回已注册的驱动名
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	return append([]string(nil), driverOrder...)
}

func init() {
	RegisterDriver("audio", newAudioDriver, probeAudioDevices)
	RegisterDriver("rtl_tcp", newRTLTCPDriver, nil)
	RegisterDriver("file", newFileDriver, nil)
	RegisterDriver("sim", newSimDriver, nil)
}

// FindDevices 按驱动注册顺序列出可自动选择的设备
func FindDevices() []string {
	driversMu.RLock()
	var probes []DeviceProbe
	for _, name := range driverOrder {
		if p := drivers[name].probe; p != nil {
			probes = append(probes, p)
		}
	}
	driversMu.RUnlock()

	var devices []string
	for _, probe := range probes {
		devices = append(devices, probe()...)
	}
	return devices
}

// NewOsmoSDRSource 根据设备字符串创建复数采样源；args 为空时选择第一个可用设备
func NewOsmoSDRSource(args string, opts SourceOptions) (SampleSource, error) {
	opts = opts.withDefaults()

	if strings.TrimSpace(args) == "" {
		devices := FindDevices()
		if len(devices) == 0 {
			return nil, ErrNoDevice
		}
		logger.Info("No device args given, using first available device: %s", devices[0])
		args = devices[0]
	}

	d, err := ParseDeviceArgs(args)
	if err != nil {
		return nil, err
	}

	driversMu.RLock()
	drv, ok := drivers[d.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown osmosdr driver %q (known: %s)", d.Driver, strings.Join(Drivers(), ", "))
	}

	src, err := drv.factory(d, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s source: %w", d.Driver, err)
	}
	logger.Info("Created osmosdr source %s (%s) at %.0f Hz", src.GetName(), d, src.SampleRate())
	return src, nil
}

// sourceBase 所有源共用的部分：输出端口、采样计数和读循环的生命周期
type sourceBase struct {
	*pipeline.BaseComponent
	sampleRate float64
	bufferSize int
	offset     uint64
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

func newSourceBase(name string, opts SourceOptions) *sourceBase {
	s := &sourceBase{
		BaseComponent: pipeline.NewBaseComponent(name, 100),
		sampleRate:    opts.SampleRate,
		bufferSize:    opts.BufferSize,
	}
	s.SetIOSignature(pipeline.SourceSignature)
	return s
}

// SampleRate 实现 SampleSource 接口
func (s *sourceBase) SampleRate() float64 {
	return s.sampleRate
}

// Process 源没有输入
func (s *sourceBase) Process(packet pipeline.Packet) {}

// emit 把一批采样点发送到输出端口
func (s *sourceBase) emit(samples []complex64, src interface{}) {
	if len(samples) == 0 {
		return
	}
	s.SendPacket(codec.NewIQPacket(samples, s.offset), src)
	s.offset += uint64(len(samples))
}

// push 阻塞发送一批采样点，直到下游接收或组件停止；停止时返回 false
func (s *sourceBase) push(samples []complex64, src interface{}) bool {
	if len(samples) == 0 {
		return true
	}
	packet := pipeline.Packet{
		Data: codec.NewIQPacket(samples, s.offset),
		Seq:  s.GetSeq(),
		Src:  src,
	}
	select {
	case s.GetOutputChan() <- packet:
	case <-s.GetStopCh():
		return false
	}
	s.IncrSeq()
	s.offset += uint64(len(samples))
	return true
}

// finish 通知下游数据已经结束
func (s *sourceBase) finish(src interface{}) {
	select {
	case s.GetOutputChan() <- pipeline.GenEndOfStreamPacket(src):
	case <-s.GetStopCh():
	}
}

// startLoop 在后台运行读循环，读循环返回后状态置为 Stopped
func (s *sourceBase) startLoop(loop func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.SetState(pipeline.ComponentStateRunning)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if s.GetHealth().State != pipeline.ComponentStateError {
				s.SetState(pipeline.ComponentStateStopped)
			}
		}()
		loop()
	}()
	return true
}

// stopLoop 通知读循环退出并等待
func (s *sourceBase) stopLoop() {
	s.BaseComponent.Stop()
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// fail 记录错误并打印日志
func (s *sourceBase) fail(format string, err error) {
	logger.Error("**%s** "+format, s.GetName(), err)
	s.UpdateErrorStatus(err)
	s.SetState(pipeline.ComponentStateError)
}
