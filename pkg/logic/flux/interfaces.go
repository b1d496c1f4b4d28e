package flux

import (
	"osmoscope/pkg/logic/pipeline"
	"osmoscope/pkg/logic/spectrum"
)

// SampleSource 产生复数采样流的块，只有一个输出端口
type SampleSource interface {
	pipeline.Component
	// SampleRate 源实际输出的采样率 (Hz)
	SampleRate() float64
}

// SpectrumDisplay 显示复数采样流频谱的块，只有一个输入端口
type SpectrumDisplay interface {
	pipeline.Component
	SetSampleRate(rate float64)
	SampleRate() float64
	// Widget 返回可以嵌入显示窗口的面板
	Widget() *spectrum.Panel
}

// Sink 其它只消费数据的块，例如 IQ 录制
type Sink interface {
	pipeline.Component
}
