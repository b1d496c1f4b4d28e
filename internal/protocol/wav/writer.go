package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"osmoscope/pkg/logic/codec"
)

// Writer WAV 文件写入器，Close 时回填头部中的数据大小
type Writer struct {
	writer   io.WriteSeeker
	header   Header
	format   Format
	dataSize uint32
	raw      []byte
}

// NewWriter 创建新的 WAV 写入器
func NewWriter(writer io.WriteSeeker, format Format) (*Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid WAV format: %w", err)
	}

	w := &Writer{
		writer: writer,
		format: format,
		header: NewHeader(format, 0),
	}

	if err := w.header.Write(w.writer); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return w, nil
}

// NewFileWriter 创建新的 WAV 文件写入器
func NewFileWriter(filename string, format Format) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	writer, err := NewWriter(file, format)
	if err != nil {
		file.Close()
		return nil, err
	}

	return writer, nil
}

// WriteSamples 写入交错的 16 位采样点
func (w *Writer) WriteSamples(samples []int16) error {
	size := len(samples) * 2
	if cap(w.raw) < size {
		w.raw = make([]byte, size)
	}
	raw := w.raw[:size]

	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:i*2+2], uint16(s))
	}

	n, err := w.writer.Write(raw)
	w.dataSize += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	return nil
}

// WriteIQ 写入复数采样点（左 I 右 Q）
func (w *Writer) WriteIQ(samples []complex64) error {
	if w.format.NumChannels != 2 {
		return fmt.Errorf("not an IQ writer: %d channels", w.format.NumChannels)
	}
	return w.WriteSamples(codec.ComplexToInt16Stereo(samples))
}

// Close 更新文件头并关闭写入器
func (w *Writer) Close() error {
	w.header.Subchunk2Size = w.dataSize
	w.header.ChunkSize = 36 + w.dataSize

	if _, err := w.writer.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}

	if err := w.header.Write(w.writer); err != nil {
		return fmt.Errorf("failed to update header: %w", err)
	}

	if closer, ok := w.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// GetDataSize 获取已写入的数据大小
func (w *Writer) GetDataSize() uint32 {
	return w.dataSize
}

// GetFormat 获取 WAV 格式信息
func (w *Writer) GetFormat() Format {
	return w.format
}
