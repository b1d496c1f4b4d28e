package spectrum

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// Settings FFT 显示块的参数
type Settings struct {
	Title        string  `json:"title"`
	FFTSize      int     `json:"fft_size"`
	SampleRate   float64 `json:"sample_rate"`
	BasebandFreq float64 `json:"baseband_freq"`
	RefScale     float64 `json:"ref_scale"` // 满幅对应的峰峰值
	RefLevel     float64 `json:"ref_level"` // 纵轴顶部的 dB 值
	YPerDiv      float64 `json:"y_per_div"`
	YDivs        int     `json:"y_divs"`
	FFTRate      int     `json:"fft_rate"` // 每秒显示的帧数
	Average      bool    `json:"average"`
	AvgAlpha     float64 `json:"avg_alpha"` // 0 表示按 FFTRate 自动选择
	PeakHold     bool    `json:"peak_hold"`
	Window       string  `json:"window"`
}

// DefaultSettings 返回默认参数
func DefaultSettings() Settings {
	return Settings{
		Title:      "FFT",
		FFTSize:    512,
		SampleRate: 1,
		RefScale:   2.0,
		RefLevel:   50,
		YPerDiv:    10,
		YDivs:      8,
		FFTRate:    15,
		Window:     "blackmanharris",
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.Title == "" {
		s.Title = def.Title
	}
	if s.FFTSize == 0 {
		s.FFTSize = def.FFTSize
	}
	if s.SampleRate == 0 {
		s.SampleRate = def.SampleRate
	}
	if s.RefScale == 0 {
		s.RefScale = def.RefScale
	}
	if s.YPerDiv == 0 {
		s.YPerDiv = def.YPerDiv
	}
	if s.YDivs == 0 {
		s.YDivs = def.YDivs
	}
	if s.FFTRate == 0 {
		s.FFTRate = def.FFTRate
	}
	s.Window = strings.ToLower(strings.TrimSpace(s.Window))
	if s.Window == "" {
		s.Window = def.Window
	}
	return s
}

// Validate 检查参数是否可用
func (s Settings) Validate() error {
	if s.FFTSize < 2 {
		return fmt.Errorf("invalid fft size: %d", s.FFTSize)
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %g", s.SampleRate)
	}
	if s.FFTRate <= 0 {
		return fmt.Errorf("invalid fft rate: %d", s.FFTRate)
	}
	if s.RefScale <= 0 {
		return fmt.Errorf("invalid ref scale: %g", s.RefScale)
	}
	if s.AvgAlpha < 0 || s.AvgAlpha > 1 {
		return fmt.Errorf("avg alpha must be in [0, 1], got %g", s.AvgAlpha)
	}
	if _, ok := windows[s.Window]; !ok {
		return fmt.Errorf("unknown window %q", s.Window)
	}
	return nil
}

// Alpha 实际使用的平滑系数，不平均时为 1
func (s Settings) Alpha() float64 {
	if !s.Average {
		return 1.0
	}
	if s.AvgAlpha > 0 {
		return s.AvgAlpha
	}
	return min(1.0, 2.0/float64(s.FFTRate))
}

// Decimation 每 n 个 FFT 长度的向量只计算一个，使显示帧率接近 FFTRate
func (s Settings) Decimation() int {
	n := int(s.SampleRate / float64(s.FFTSize) / float64(s.FFTRate))
	if n < 1 {
		return 1
	}
	return n
}

var windows = map[string]func([]float64) []float64{
	"blackmanharris": window.BlackmanHarris,
	"blackman":       window.Blackman,
	"hann":           window.Hann,
	"hamming":        window.Hamming,
	"nuttall":        window.Nuttall,
	"flattop":        window.FlatTop,
	"rectangular":    window.Rectangular,
}

// Windows 返回支持的窗函数名
func Windows() []string {
	names := make([]string, 0, len(windows))
	for name := range windows {
		names = append(names, name)
	}
	return names
}

func makeWindow(name string, size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 1
	}
	return windows[name](w)
}
