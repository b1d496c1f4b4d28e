package resampler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/codec"

	"github.com/zaf/resample"
)

// IQResampler 对复数流做采样率转换，I/Q 作为两个声道交给 libsoxr
type IQResampler struct {
	name          string
	resampler     *resample.Resampler
	buffer        *bytes.Buffer
	inputBuffer   []int16 // 累积输入样本，凑够 minSamples 再送入重采样器
	sampleRateIn  int
	sampleRateOut int
	minSamples    int
}

// NewIQResampler 创建复数流重采样器
func NewIQResampler(sampleRateIn, sampleRateOut int) (*IQResampler, error) {
	if sampleRateIn <= 0 || sampleRateOut <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", sampleRateIn, sampleRateOut)
	}

	buffer := new(bytes.Buffer)
	r, err := resample.New(
		buffer,
		float64(sampleRateIn),
		float64(sampleRateOut),
		2,
		resample.I16,
		resample.HighQ,
	)
	if err != nil {
		return nil, err
	}

	// 以输入采样率下 20ms 为最小处理单位
	minSamples := (sampleRateIn * 2 * 20) / 1000

	return &IQResampler{
		name:          fmt.Sprintf("IQResampler_%dHz->%dHz", sampleRateIn, sampleRateOut),
		resampler:     r,
		buffer:        buffer,
		sampleRateIn:  sampleRateIn,
		sampleRateOut: sampleRateOut,
		minSamples:    minSamples,
	}, nil
}

// Name 返回重采样器名称
func (r *IQResampler) Name() string {
	return r.name
}

// Ratio 输出/输入采样率之比
func (r *IQResampler) Ratio() float64 {
	return float64(r.sampleRateOut) / float64(r.sampleRateIn)
}

// ConvertPCM 输入交错的 I/Q int16，返回已经可用的输出样本，不足一个处理单位时返回 nil
func (r *IQResampler) ConvertPCM(pcm []int16) ([]int16, error) {
	r.inputBuffer = append(r.inputBuffer, pcm...)
	if len(r.inputBuffer) < r.minSamples {
		return nil, nil
	}

	// 只送入完整的 I/Q 对
	n := len(r.inputBuffer) &^ 1
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(r.inputBuffer[i]))
	}
	r.inputBuffer = append(r.inputBuffer[:0], r.inputBuffer[n:]...)

	if _, err := r.resampler.Write(raw); err != nil {
		logger.Error("**%s** Failed to resample: %v", r.name, err)
		return nil, err
	}

	out := r.buffer.Bytes()
	samples := make([]int16, len(out)/4*2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	r.buffer.Next(len(samples) * 2)

	return samples, nil
}

// Convert 对复数样本做重采样
func (r *IQResampler) Convert(samples []complex64) ([]complex64, error) {
	out, err := r.ConvertPCM(codec.ComplexToInt16Stereo(samples))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return codec.Int16StereoToComplex(out), nil
}

// Close 释放 libsoxr 资源
func (r *IQResampler) Close() error {
	if r.resampler == nil {
		return nil
	}
	err := r.resampler.Close()
	r.resampler = nil
	return err
}
