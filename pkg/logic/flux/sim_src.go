package flux

import (
	"math"
	"math/rand/v2"
	"osmoscope/pkg/logger"
	"time"
)

// SimSource 产生单音加高斯噪声的复数流，用于没有硬件时调试
type SimSource struct {
	*sourceBase
	tone  float64 // 相对中心频率的偏移 (Hz)
	amp   float64
	noise float64 // 噪声标准差
	phase float64
	rng   *rand.Rand
}

func newSimDriver(args DeviceArgs, opts SourceOptions) (SampleSource, error) {
	rate, err := args.Float("rate", opts.SampleRate)
	if err != nil {
		return nil, err
	}
	tone, err := args.Float("tone", 12e3)
	if err != nil {
		return nil, err
	}
	amp, err := args.Float("amp", 0.5)
	if err != nil {
		return nil, err
	}
	noise, err := args.Float("noise", 0.01)
	if err != nil {
		return nil, err
	}
	opts.SampleRate = rate
	return NewSimSource(tone, amp, noise, opts), nil
}

// NewSimSource 创建模拟源
func NewSimSource(tone, amp, noise float64, opts SourceOptions) *SimSource {
	opts = opts.withDefaults()
	return &SimSource{
		sourceBase: newSourceBase("SimSource", opts),
		tone:       tone,
		amp:        amp,
		noise:      noise,
		rng:        rand.New(rand.NewPCG(1, 2)),
	}
}

// Tone 返回单音的频率偏移 (Hz)
func (s *SimSource) Tone() float64 {
	return s.tone
}

// Generate 生成下一批 n 个采样点，相位在批次之间连续
func (s *SimSource) Generate(n int) []complex64 {
	out := make([]complex64, n)
	step := 2 * math.Pi * s.tone / s.sampleRate
	for i := range out {
		re := s.amp * math.Cos(s.phase)
		im := s.amp * math.Sin(s.phase)
		if s.noise > 0 {
			re += s.noise * s.rng.NormFloat64()
			im += s.noise * s.rng.NormFloat64()
		}
		out[i] = complex(float32(re), float32(im))
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
	}
	return out
}

// Start 启动生成循环，按采样率限速
func (s *SimSource) Start() error {
	logger.Info("Started src component **%s**: tone %.0f Hz, amp %.2f at %.0f Hz", s.GetName(), s.tone, s.amp, s.sampleRate)
	s.startLoop(s.loop)
	return nil
}

func (s *SimSource) loop() {
	period := time.Duration(float64(s.bufferSize) / s.sampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.GetStopCh():
			return
		case <-ticker.C:
			s.emit(s.Generate(s.bufferSize), s)
		}
	}
}

// Stop 停止生成
func (s *SimSource) Stop() {
	s.stopLoop()
}
