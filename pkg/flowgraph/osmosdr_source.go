// Package flowgraph 顶层流图：一个 osmosdr 源接一个 FFT 显示块
package flowgraph

import (
	"context"
	"errors"
	"fmt"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/flux"
	"osmoscope/pkg/logic/pipeline"
	"osmoscope/pkg/logic/spectrum"
	"sync"
	"time"
)

// 流图的固定参数
const (
	DefaultSampRate = 96e3
	FFTSize         = 1024
	RefScale        = 2.0
	RefLevel        = -30
	YPerDiv         = 10
	YDivs           = 10
	FFTRate         = 10
	AvgAlpha        = 0.5
	DefaultTitle    = "OsmoSDR Source"
)

var ErrNotRunning = errors.New("flow graph not running")

// Window 放置部件并运行事件循环的显示窗口
type Window interface {
	Add(panel *spectrum.Panel)
	// Run 阻塞直到 ctx 结束或窗口关闭
	Run(ctx context.Context) error
	Stop()
}

// SourceFactory 按设备字符串创建源
type SourceFactory func(args string) (flux.SampleSource, error)

// SinkFactory 按参数创建频谱显示块
type SinkFactory func(settings spectrum.Settings) (flux.SpectrumDisplay, error)

// RecorderFactory 创建 IQ 录制块
type RecorderFactory func(sampRate float64) (flux.Sink, error)

// Options 创建流图时可替换的部分，nil 的工厂使用默认实现
type Options struct {
	Title          string
	NewSource      SourceFactory
	NewSink        SinkFactory
	NewRecorder    RecorderFactory // nil 表示不录制
	HealthInterval time.Duration
}

func defaultSource(args string) (flux.SampleSource, error) {
	return flux.NewOsmoSDRSource(args, flux.SourceOptions{})
}

func defaultSink(settings spectrum.Settings) (flux.SpectrumDisplay, error) {
	return spectrum.NewFFTSink(settings)
}

// SinkSettings 显示块的固定参数
func SinkSettings(title string, sampRate float64) spectrum.Settings {
	return spectrum.Settings{
		Title:      title,
		FFTSize:    FFTSize,
		SampleRate: sampRate,
		RefScale:   RefScale,
		RefLevel:   RefLevel,
		YPerDiv:    YPerDiv,
		YDivs:      YDivs,
		FFTRate:    FFTRate,
		Average:    true,
		AvgAlpha:   AvgAlpha,
	}
}

// OsmoSDRSource 顶层流图，持有采样率并把它同步给显示块
type OsmoSDRSource struct {
	mu       sync.Mutex
	sampRate float64

	win      Window
	graph    *pipeline.Graph
	src      flux.SampleSource
	sink     flux.SpectrumDisplay
	recorder flux.Sink

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewOsmoSDRSource 创建显示块和源并连接 (src, 0) -> (sink, 0)
func NewOsmoSDRSource(win Window, opts Options) (*OsmoSDRSource, error) {
	if win == nil {
		return nil, errors.New("flowgraph: nil window")
	}
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	if opts.NewSource == nil {
		opts.NewSource = defaultSource
	}
	if opts.NewSink == nil {
		opts.NewSink = defaultSink
	}

	tb := &OsmoSDRSource{
		sampRate: DefaultSampRate,
		win:      win,
		graph:    pipeline.NewGraph(opts.Title),
	}
	if opts.HealthInterval > 0 {
		tb.graph.SetHealthCheckInterval(opts.HealthInterval)
	}

	sink, err := opts.NewSink(SinkSettings(opts.Title, tb.sampRate))
	if err != nil {
		return nil, fmt.Errorf("create fft sink: %w", err)
	}
	tb.sink = sink
	win.Add(sink.Widget())

	src, err := opts.NewSource("")
	if err != nil {
		return nil, fmt.Errorf("create osmosdr source: %w", err)
	}
	tb.src = src

	if err := tb.graph.Connect(pipeline.Port(src, 0), pipeline.Port(sink, 0)); err != nil {
		return nil, err
	}

	if opts.NewRecorder != nil {
		recorder, err := opts.NewRecorder(src.SampleRate())
		if err != nil {
			return nil, fmt.Errorf("create recorder: %w", err)
		}
		if err := tb.graph.Connect(pipeline.Port(src, 0), pipeline.Port(recorder, 0)); err != nil {
			return nil, err
		}
		tb.recorder = recorder
	}

	logger.Info("Flow graph %s built: %d edges, samp_rate %.0f", opts.Title, len(tb.graph.Edges()), tb.sampRate)
	return tb, nil
}

// SampRate 当前采样率 (Hz)
func (tb *OsmoSDRSource) SampRate() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.sampRate
}

// SetSampRate 保存新的采样率并同步到显示块，不做校验
func (tb *OsmoSDRSource) SetSampRate(sampRate float64) {
	tb.mu.Lock()
	tb.sampRate = sampRate
	tb.mu.Unlock()
	tb.sink.SetSampleRate(sampRate)
}

// Graph 返回底层流图
func (tb *OsmoSDRSource) Graph() *pipeline.Graph {
	return tb.graph
}

// Source 返回源
func (tb *OsmoSDRSource) Source() flux.SampleSource {
	return tb.src
}

// Sink 返回显示块
func (tb *OsmoSDRSource) Sink() flux.SpectrumDisplay {
	return tb.sink
}

// Run 启动流图和窗口。blocking 为 true 时等到窗口退出再返回
func (tb *OsmoSDRSource) Run(ctx context.Context, blocking bool) error {
	tb.mu.Lock()
	if tb.running {
		tb.mu.Unlock()
		return pipeline.ErrGraphStarted
	}

	if err := tb.graph.Start(); err != nil {
		tb.mu.Unlock()
		return err
	}

	winCtx, cancel := context.WithCancel(ctx)
	tb.running = true
	tb.cancel = cancel
	tb.done = make(chan struct{})
	done := tb.done
	tb.mu.Unlock()

	go func() {
		defer close(done)
		err := tb.win.Run(winCtx)
		tb.mu.Lock()
		tb.runErr = err
		tb.mu.Unlock()
	}()

	if blocking {
		return tb.Wait()
	}
	return nil
}

// Wait 等待窗口退出，然后停止流图
func (tb *OsmoSDRSource) Wait() error {
	tb.mu.Lock()
	done := tb.done
	tb.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}

	<-done
	tb.graph.Stop()

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.cancel != nil {
		tb.cancel()
	}
	return tb.runErr
}

// Stop 关闭窗口并停止流图，可以重复调用
func (tb *OsmoSDRSource) Stop() {
	tb.mu.Lock()
	cancel, done := tb.cancel, tb.done
	tb.mu.Unlock()

	if done == nil {
		tb.graph.Stop()
		return
	}
	cancel()
	tb.win.Stop()
	if err := tb.Wait(); err != nil {
		logger.Warn("Flow graph %s window exited with error: %v", tb.graph.Name(), err)
	}
}
