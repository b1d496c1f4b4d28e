package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"osmoscope/pkg/logic/codec"
)

// Reader WAV 文件读取器
type Reader struct {
	reader     io.ReadSeeker
	format     Format
	dataOffset int64  // data chunk 的起始位置
	dataSize   uint32 // data chunk 的大小
	remaining  int64  // data chunk 中尚未读取的字节数
	raw        []byte
	pcm        []int16 // ReadIQ 复用的缓冲
}

// NewReader 创建新的 WAV 读取器
func NewReader(reader io.ReadSeeker) (*Reader, error) {
	r := &Reader{
		reader: reader,
	}

	if err := r.parseWAV(); err != nil {
		return nil, fmt.Errorf("failed to parse WAV file: %w", err)
	}

	return r, nil
}

// parseWAV 解析 RIFF 块，定位 fmt 和 data
func (r *Reader) parseWAV() error {
	var riffID [4]byte
	var riffSize uint32
	var waveID [4]byte

	if err := binary.Read(r.reader, binary.LittleEndian, &riffID); err != nil {
		return fmt.Errorf("failed to read RIFF ID: %w", err)
	}
	if err := binary.Read(r.reader, binary.LittleEndian, &riffSize); err != nil {
		return fmt.Errorf("failed to read RIFF size: %w", err)
	}
	if err := binary.Read(r.reader, binary.LittleEndian, &waveID); err != nil {
		return fmt.Errorf("failed to read WAVE ID: %w", err)
	}

	if string(riffID[:]) != "RIFF" {
		return fmt.Errorf("not a RIFF file")
	}
	if string(waveID[:]) != "WAVE" {
		return fmt.Errorf("not a WAVE file")
	}

	var chunkID [4]byte
	var chunkSize uint32
	var foundFmt, foundData bool

	for !foundFmt || !foundData {
		if err := binary.Read(r.reader, binary.LittleEndian, &chunkID); err != nil {
			return fmt.Errorf("failed to read chunk ID: %w", err)
		}
		if err := binary.Read(r.reader, binary.LittleEndian, &chunkSize); err != nil {
			return fmt.Errorf("failed to read chunk size: %w", err)
		}

		// RIFF 块按偶数字节对齐
		skip := int64(chunkSize) + int64(chunkSize&1)

		switch string(chunkID[:]) {
		case "fmt ":
			if err := binary.Read(r.reader, binary.LittleEndian, &r.format); err != nil {
				return fmt.Errorf("failed to read format chunk: %w", err)
			}
			foundFmt = true

			remaining := skip - int64(binary.Size(r.format))
			if remaining > 0 {
				if _, err := r.reader.Seek(remaining, io.SeekCurrent); err != nil {
					return fmt.Errorf("failed to seek past extra format data: %w", err)
				}
			}

		case "data":
			offset, err := r.reader.Seek(0, io.SeekCurrent)
			if err != nil {
				return fmt.Errorf("failed to get data offset: %w", err)
			}
			r.dataOffset = offset
			r.dataSize = chunkSize
			foundData = true

			if !foundFmt {
				if _, err := r.reader.Seek(skip, io.SeekCurrent); err != nil {
					return fmt.Errorf("failed to seek past data chunk: %w", err)
				}
			}

		default:
			if _, err := r.reader.Seek(skip, io.SeekCurrent); err != nil {
				return fmt.Errorf("failed to seek past chunk: %w", err)
			}
		}
	}

	if err := r.format.Validate(); err != nil {
		return fmt.Errorf("invalid WAV format: %w", err)
	}

	return r.Rewind()
}

// Rewind 回到数据块开头
func (r *Reader) Rewind() error {
	if _, err := r.reader.Seek(r.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data start: %w", err)
	}
	r.remaining = int64(r.dataSize)
	return nil
}

// ReadSamples 读取交错的 16 位采样点，数据读完时返回 io.EOF
func (r *Reader) ReadSamples(samples []int16) (int, error) {
	want := int64(len(samples) * 2)
	if want > r.remaining {
		want = r.remaining
	}
	if want == 0 {
		return 0, io.EOF
	}

	if int64(cap(r.raw)) < want {
		r.raw = make([]byte, want)
	}
	raw := r.raw[:want]

	n, err := io.ReadFull(r.reader, raw)
	r.remaining -= int64(n)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("failed to read samples: %w", err)
	}
	if err != nil {
		// 文件比头部声明的短
		r.remaining = 0
	}

	samplesRead := n / 2
	for i := 0; i < samplesRead; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
	}

	if r.remaining == 0 {
		return samplesRead, io.EOF
	}
	return samplesRead, nil
}

// ReadIQ 读取双声道文件为复数采样点
func (r *Reader) ReadIQ(dst []complex64) (int, error) {
	if r.format.NumChannels != 2 {
		return 0, fmt.Errorf("not an IQ file: %d channels", r.format.NumChannels)
	}
	if cap(r.pcm) < len(dst)*2 {
		r.pcm = make([]int16, len(dst)*2)
	}
	pcm := r.pcm[:len(dst)*2]
	n, err := r.ReadSamples(pcm)
	return codec.DecodeInt16Stereo(dst, pcm[:n-n%2]), err
}

// GetFormat 获取 WAV 格式信息
func (r *Reader) GetFormat() Format {
	return r.format
}

// GetDataSize 获取数据块大小
func (r *Reader) GetDataSize() uint32 {
	return r.dataSize
}

// Frames 返回每个声道的采样点数
func (r *Reader) Frames() int {
	if r.format.BlockAlign == 0 {
		return 0
	}
	return int(r.dataSize) / int(r.format.BlockAlign)
}

// Close 关闭读取器
func (r *Reader) Close() error {
	if closer, ok := r.reader.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
