package codec

import "math"

// IQPacket 定义了复数采样数据包的接口
type IQPacket interface {
	// Samples 返回复数基带采样点 (I + jQ)，幅度归一化到 [-1, 1]
	Samples() []complex64
	// Offset 返回第一个采样点在整条流中的序号
	Offset() uint64
}

// SamplePacket 是 IQPacket 的默认实现
type SamplePacket struct {
	samples []complex64
	offset  uint64
}

// NewIQPacket 创建 IQPacket
func NewIQPacket(samples []complex64, offset uint64) *SamplePacket {
	return &SamplePacket{
		samples: samples,
		offset:  offset,
	}
}

func (p *SamplePacket) Samples() []complex64 {
	return p.samples
}

func (p *SamplePacket) Offset() uint64 {
	return p.offset
}

// FloatToComplex 把两路实数 (左声道 I，右声道 Q) 合成为复数流
// 长度不一致时按较短的一路截断
func FloatToComplex(i, q []float32) []complex64 {
	n := len(i)
	if len(q) < n {
		n = len(q)
	}
	out := make([]complex64, n)
	for k := 0; k < n; k++ {
		out[k] = complex(i[k], q[k])
	}
	return out
}

// InterleavedFloatToComplex 把交错的立体声 float32 (L R L R ...) 转为复数流
func InterleavedFloatToComplex(lr []float32) []complex64 {
	out := make([]complex64, len(lr)/2)
	for k := range out {
		out[k] = complex(lr[2*k], lr[2*k+1])
	}
	return out
}

// Int16StereoToComplex 把交错的 16 位立体声 PCM 转为复数流
func Int16StereoToComplex(pcm []int16) []complex64 {
	out := make([]complex64, len(pcm)/2)
	DecodeInt16Stereo(out, pcm)
	return out
}

// DecodeInt16Stereo 把交错的 16 位立体声写入 dst，返回写入的采样点数
func DecodeInt16Stereo(dst []complex64, pcm []int16) int {
	n := min(len(dst), len(pcm)/2)
	for k := 0; k < n; k++ {
		dst[k] = complex(float32(pcm[2*k])/32768, float32(pcm[2*k+1])/32768)
	}
	return n
}

// ComplexToInt16Stereo 把复数流转为交错的 16 位立体声 PCM，超出范围时削波
func ComplexToInt16Stereo(samples []complex64) []int16 {
	out := make([]int16, len(samples)*2)
	for k, s := range samples {
		out[2*k] = clip16(real(s))
		out[2*k+1] = clip16(imag(s))
	}
	return out
}

func clip16(v float32) int16 {
	x := math.Round(float64(v) * 32768)
	if x > math.MaxInt16 {
		return math.MaxInt16
	}
	if x < math.MinInt16 {
		return math.MinInt16
	}
	return int16(x)
}

// Uint8ToComplex 转换 rtl_tcp 的无符号 8 位 IQ 流 (零点 127.5)
func Uint8ToComplex(raw []byte) []complex64 {
	out := make([]complex64, len(raw)/2)
	for k := range out {
		out[k] = complex((float32(raw[2*k])-127.5)/127.5, (float32(raw[2*k+1])-127.5)/127.5)
	}
	return out
}
