package dumper

import (
	"errors"
	"fmt"
	"os"
	"osmoscope/internal/protocol/wav"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/codec"
	"osmoscope/pkg/logic/pipeline"
	"path/filepath"
	"sync"
)

var ErrClosed = errors.New("dumper: already closed")

// IQWAVDumper 把复数流录制为双声道 16 位 WAV，左声道 I、右声道 Q
// ffplay 可以直接播放；用 file= 驱动可以回放
type IQWAVDumper struct {
	*pipeline.BaseComponent
	fileName string
	format   wav.Format

	mu      sync.Mutex
	writer  *wav.Writer
	samples uint64
}

// NewIQWAVDumper 创建 IQ 录制块
func NewIQWAVDumper(fileName string, sampleRate uint32) (*IQWAVDumper, error) {
	dir := filepath.Dir(fileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	format := wav.NewIQFormat(sampleRate)
	writer, err := wav.NewFileWriter(fileName, format)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV writer: %w", err)
	}

	d := &IQWAVDumper{
		BaseComponent: pipeline.NewBaseComponent("IQWAVDumper", 100),
		fileName:      fileName,
		format:        format,
		writer:        writer,
	}
	d.SetIOSignature(pipeline.SinkSignature)
	d.SetOutputChan(nil)

	d.SetProcess(d.processPacket)
	d.RegisterCommandHandler(pipeline.PacketCommandEndOfStream, d.handleEndOfStream)

	return d, nil
}

// Start 启动处理循环
func (d *IQWAVDumper) Start() error {
	logger.Info("Started sink component **%s** recording to %s", d.GetName(), d.fileName)
	return d.BaseComponent.Start()
}

func (d *IQWAVDumper) processPacket(packet pipeline.Packet) {
	iq, ok := packet.Data.(codec.IQPacket)
	if !ok {
		d.HandleUnsupportedData(packet.Data)
		return
	}
	if err := d.Write(iq.Samples()); err != nil {
		logger.Error("**%s** Failed to write WAV data: %v", d.GetName(), err)
		d.UpdateErrorStatus(err)
	}
}

// Write 写入一批采样点
func (d *IQWAVDumper) Write(samples []complex64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return ErrClosed
	}
	if err := d.writer.WriteIQ(samples); err != nil {
		return err
	}
	d.samples += uint64(len(samples))
	return nil
}

func (d *IQWAVDumper) handleEndOfStream(packet pipeline.Packet) {
	logger.Info("**%s** End of stream, closing %s", d.GetName(), d.fileName)
	if err := d.Close(); err != nil {
		logger.Error("**%s** Failed to close WAV file: %v", d.GetName(), err)
		d.UpdateErrorStatus(err)
	}
}

// Close 回填 WAV 头并关闭文件，可以重复调用
func (d *IQWAVDumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return nil
	}
	err := d.writer.Close()
	d.writer = nil
	logger.Info("**%s** Wrote %d IQ samples (%.1fs) to %s", d.GetName(), d.samples,
		float64(d.samples)/float64(d.format.SampleRate), d.fileName)
	return err
}

// Stop 停止处理循环并关闭文件
func (d *IQWAVDumper) Stop() {
	d.BaseComponent.Stop()
	if err := d.Close(); err != nil {
		logger.Error("**%s** Failed to close WAV file: %v", d.GetName(), err)
	}
}

// Samples 已写入的采样点数
func (d *IQWAVDumper) Samples() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samples
}

// GetFormat 获取 WAV 格式信息
func (d *IQWAVDumper) GetFormat() wav.Format {
	return d.format
}
