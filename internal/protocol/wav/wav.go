package wav

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Format WAV 格式信息，字段顺序与 fmt 块一致
type Format struct {
	AudioFormat   uint16 // 音频格式（1 表示 PCM）
	NumChannels   uint16 // 声道数
	SampleRate    uint32 // 采样率
	ByteRate      uint32 // 字节率 = SampleRate * NumChannels * BitsPerSample/8
	BlockAlign    uint16 // 数据块对齐 = NumChannels * BitsPerSample/8
	BitsPerSample uint16 // 采样位数
}

// NewPCM16Format 创建 16 位 PCM 格式
func NewPCM16Format(sampleRate uint32, channels uint16) Format {
	return Format{
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    sampleRate,
		BitsPerSample: 16,
		BlockAlign:    channels * 2,
		ByteRate:      sampleRate * uint32(channels) * 2,
	}
}

// NewIQFormat 创建 IQ 录音使用的格式：双声道，左 I 右 Q
func NewIQFormat(sampleRate uint32) Format {
	return NewPCM16Format(sampleRate, 2)
}

// Header 44 字节的规范 WAV 文件头
type Header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 文件总大小 - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // 数据大小
}

// NewHeader 创建新的 WAV 文件头
func NewHeader(format Format, dataSize uint32) Header {
	return Header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   format.AudioFormat,
		NumChannels:   format.NumChannels,
		SampleRate:    format.SampleRate,
		ByteRate:      format.ByteRate,
		BlockAlign:    format.BlockAlign,
		BitsPerSample: format.BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Validate 验证是否为 16 位 PCM 且派生字段一致
func (f *Format) Validate() error {
	if f.AudioFormat != 1 {
		return fmt.Errorf("unsupported audio format: %d (expected 1 for PCM)", f.AudioFormat)
	}
	if f.BitsPerSample != 16 {
		return fmt.Errorf("unsupported bits per sample: %d (expected 16)", f.BitsPerSample)
	}
	if f.NumChannels == 0 {
		return fmt.Errorf("invalid channel count: 0")
	}
	if f.ByteRate != f.SampleRate*uint32(f.NumChannels)*uint32(f.BitsPerSample)/8 {
		return fmt.Errorf("invalid byte rate")
	}
	if f.BlockAlign != f.NumChannels*f.BitsPerSample/8 {
		return fmt.Errorf("invalid block align")
	}
	return nil
}

// ValidateIQ 在 Validate 的基础上要求双声道
func (f *Format) ValidateIQ() error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.NumChannels != 2 {
		return fmt.Errorf("IQ recording needs 2 channels, got %d", f.NumChannels)
	}
	return nil
}

// Write 将 WAV 头写入到 writer
func (h *Header) Write(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, h)
}

// Read 从 reader 读取 WAV 头
func (h *Header) Read(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, h)
}

// GetFormat 从头部信息获取 WAV 格式
func (h *Header) GetFormat() Format {
	return Format{
		AudioFormat:   h.AudioFormat,
		NumChannels:   h.NumChannels,
		SampleRate:    h.SampleRate,
		ByteRate:      h.ByteRate,
		BlockAlign:    h.BlockAlign,
		BitsPerSample: h.BitsPerSample,
	}
}
