package spectrum

import (
	"math"
	"math/cmplx"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/codec"
	"osmoscope/pkg/logic/pipeline"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// minDB 输出的下限，避免 log10(0)
const minDB = -200.0

// FFTSink 把复数流转换为频谱帧，输入端口只有一个
type FFTSink struct {
	*pipeline.BaseComponent

	mu       sync.Mutex
	settings Settings
	panel    *Panel

	fft      *fourier.CmplxFFT
	win      []float64
	winPower float64 // 10·log10(Σw²/N)
	in       []complex128
	out      []complex128

	pending []complex64
	decim   int
	skip    int
	avg     []float64
	peak    []float64
	seq     uint64
}

// NewFFTSink 创建 FFT 显示块
func NewFFTSink(settings Settings) (*FFTSink, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	s := &FFTSink{
		BaseComponent: pipeline.NewBaseComponent("FFTSink", 100),
		settings:      settings,
	}
	s.SetIOSignature(pipeline.SinkSignature)
	s.SetOutputChan(nil)
	s.panel = newPanel(s.Settings)
	s.rebuild()

	s.SetProcess(s.handlePacket)
	s.RegisterCommandHandler(pipeline.PacketCommandEndOfStream, s.handleEndOfStream)
	return s, nil
}

// rebuild 根据 FFTSize 和窗函数重新生成 FFT 计划，调用方持有锁或尚未并发
func (s *FFTSink) rebuild() {
	n := s.settings.FFTSize
	s.fft = fourier.NewCmplxFFT(n)
	s.win = makeWindow(s.settings.Window, n)

	var sum float64
	for _, w := range s.win {
		sum += w * w
	}
	s.winPower = 10 * math.Log10(sum/float64(n))

	s.in = make([]complex128, n)
	s.out = make([]complex128, n)
	s.pending = s.pending[:0]
	s.decim = s.settings.Decimation()
	s.skip = 0
	s.avg = nil
	s.peak = nil
}

// Widget 返回显示面板
func (s *FFTSink) Widget() *Panel {
	return s.panel
}

// Settings 当前参数
func (s *FFTSink) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SampleRate 当前采样率 (Hz)
func (s *FFTSink) SampleRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.SampleRate
}

// SetSampleRate 更新采样率，同时更新抽取比和横轴
func (s *FFTSink) SetSampleRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.SampleRate = rate
	s.decim = s.settings.Decimation()
	s.skip = 0
	logger.Info("**%s** Sample rate set to %.0f Hz, keeping 1 in %d vectors", s.GetName(), rate, s.decim)
}

// SetBasebandFreq 设置横轴中心频率
func (s *FFTSink) SetBasebandFreq(freq float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.BasebandFreq = freq
}

// SetAverage 开关平均
func (s *FFTSink) SetAverage(average bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Average = average
}

// SetAvgAlpha 设置平滑系数，0 表示自动
func (s *FFTSink) SetAvgAlpha(alpha float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.AvgAlpha = math.Max(0, math.Min(1, alpha))
}

// SetRefLevel 设置纵轴顶部的 dB 值
func (s *FFTSink) SetRefLevel(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.RefLevel = level
}

// SetYPerDiv 设置纵轴每格的 dB 数
func (s *FFTSink) SetYPerDiv(ypd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.YPerDiv = ypd
}

// SetPeakHold 开关峰值保持，关闭时清除已保持的峰值
func (s *FFTSink) SetPeakHold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.PeakHold = hold
	if !hold {
		s.peak = nil
	}
}

// ClearPeakHold 清除已保持的峰值
func (s *FFTSink) ClearPeakHold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peak = nil
}

// Start 启动处理循环
func (s *FFTSink) Start() error {
	logger.Info("Started sink component **%s**: %d points, %.0f Hz, %d fps", s.GetName(), s.settings.FFTSize, s.SampleRate(), s.settings.FFTRate)
	return s.BaseComponent.Start()
}

func (s *FFTSink) handlePacket(packet pipeline.Packet) {
	iq, ok := packet.Data.(codec.IQPacket)
	if !ok {
		s.HandleUnsupportedData(packet.Data)
		return
	}
	s.consume(iq.Samples())
}

func (s *FFTSink) handleEndOfStream(packet pipeline.Packet) {
	s.mu.Lock()
	dropped := len(s.pending)
	s.pending = s.pending[:0]
	s.mu.Unlock()
	logger.Info("**%s** End of stream, %d buffered samples dropped", s.GetName(), dropped)
}

// consume 按 FFT 长度切分采样点，抽取后计算并发布频谱帧
func (s *FFTSink) consume(samples []complex64) {
	var frames []*Frame

	s.mu.Lock()
	n := s.settings.FFTSize
	s.pending = append(s.pending, samples...)
	consumed := 0
	for len(s.pending)-consumed >= n {
		vec := s.pending[consumed : consumed+n]
		consumed += n
		if s.skip > 0 {
			s.skip--
			continue
		}
		s.skip = s.decim - 1
		frames = append(frames, s.compute(vec))
	}
	s.pending = append(s.pending[:0], s.pending[consumed:]...)
	s.mu.Unlock()

	for _, frame := range frames {
		s.panel.publish(frame)
	}
}

// compute 计算一帧，调用方持有锁
func (s *FFTSink) compute(vec []complex64) *Frame {
	n := len(vec)
	for i, v := range vec {
		s.in[i] = complex(float64(real(v))*s.win[i], float64(imag(v))*s.win[i])
	}
	s.out = s.fft.Coefficients(s.out, s.in)

	offset := 20*math.Log10(float64(n)) + s.winPower + 20*math.Log10(s.settings.RefScale/2)
	alpha := s.settings.Alpha()
	if s.avg == nil {
		s.avg = make([]float64, n)
		alpha = 1
	}

	half := (n + 1) / 2
	for i := 0; i < n; i++ {
		c := s.out[(i+half)%n]
		db := minDB
		if mag := cmplx.Abs(c); mag > 0 {
			db = math.Max(minDB, 20*math.Log10(mag)-offset)
		}
		s.avg[i] = alpha*db + (1-alpha)*s.avg[i]
	}

	bins := append([]float64(nil), s.avg...)
	frame := &Frame{
		Seq:          s.seq,
		Time:         time.Now(),
		Title:        s.settings.Title,
		SampleRate:   s.settings.SampleRate,
		BasebandFreq: s.settings.BasebandFreq,
		RefLevel:     s.settings.RefLevel,
		YPerDiv:      s.settings.YPerDiv,
		YDivs:        s.settings.YDivs,
		Bins:         bins,
	}
	s.seq++

	if s.settings.PeakHold {
		if s.peak == nil {
			s.peak = append([]float64(nil), bins...)
		} else {
			for i, v := range bins {
				s.peak[i] = math.Max(s.peak[i], v)
			}
		}
		frame.Peak = append([]float64(nil), s.peak...)
	}
	return frame
}
