package flux

import (
	"errors"
	"fmt"
	"io"
	"os"
	"osmoscope/internal/protocol/wav"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/resampler"
	"time"
)

// FileIQSource 从双声道 WAV 文件回放 IQ，左声道为 I、右声道为 Q
type FileIQSource struct {
	*sourceBase
	filePath  string
	throttle  bool
	repeat    bool
	file      *os.File
	reader    *wav.Reader
	resampler *resampler.IQResampler
}

func newFileDriver(args DeviceArgs, opts SourceOptions) (SampleSource, error) {
	if args.Value == "" {
		return nil, errors.New("file driver needs a path, e.g. file=record.wav")
	}
	rate, err := args.Float("rate", opts.SampleRate)
	if err != nil {
		return nil, err
	}
	throttle, err := args.Bool("throttle", true)
	if err != nil {
		return nil, err
	}
	repeat, err := args.Bool("repeat", true)
	if err != nil {
		return nil, err
	}
	opts.SampleRate = rate

	src := NewFileIQSource(args.Value, opts)
	src.throttle = throttle
	src.repeat = repeat
	return src, nil
}

// NewFileIQSource 创建文件回放源，默认按采样率限速并循环播放
func NewFileIQSource(filePath string, opts SourceOptions) *FileIQSource {
	opts = opts.withDefaults()
	return &FileIQSource{
		sourceBase: newSourceBase("FileIQSource", opts),
		filePath:   filePath,
		throttle:   true,
		repeat:     true,
	}
}

// SetThrottle 关闭限速后以最快速度读取，下游满时阻塞而不是丢包
func (s *FileIQSource) SetThrottle(throttle bool) {
	s.throttle = throttle
}

// SetRepeat 设置读到文件末尾后是否从头开始
func (s *FileIQSource) SetRepeat(repeat bool) {
	s.repeat = repeat
}

// Start 打开文件并启动读循环
func (s *FileIQSource) Start() error {
	file, err := os.Open(s.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAV file: %w", err)
	}

	reader, err := wav.NewReader(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create WAV reader: %w", err)
	}

	format := reader.GetFormat()
	if err := format.ValidateIQ(); err != nil {
		file.Close()
		return err
	}

	if reader.Frames() == 0 {
		file.Close()
		return fmt.Errorf("WAV file %s has no samples", s.filePath)
	}

	if float64(format.SampleRate) != s.sampleRate {
		r, err := resampler.NewIQResampler(int(format.SampleRate), int(s.sampleRate))
		if err != nil {
			file.Close()
			return fmt.Errorf("failed to create resampler: %w", err)
		}
		logger.Info("**%s** Resampling %s from %d Hz to %.0f Hz", s.GetName(), s.filePath, format.SampleRate, s.sampleRate)
		s.resampler = r
	}

	s.file = file
	s.reader = reader
	logger.Info("Started src component **%s** reading %s (%d frames)", s.GetName(), s.filePath, reader.Frames())
	s.startLoop(s.readLoop)
	return nil
}

func (s *FileIQSource) readLoop() {
	defer s.closeFile()

	buf := make([]complex64, s.bufferSize)

	var ticker *time.Ticker
	if s.throttle {
		period := time.Duration(float64(s.bufferSize) / s.sampleRate * float64(time.Second))
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	for {
		n, err := s.reader.ReadIQ(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			s.fail("Failed to read WAV data: %v", err)
			return
		}

		samples := append([]complex64(nil), buf[:n]...)
		if s.resampler != nil && len(samples) > 0 {
			out, rerr := s.resampler.Convert(samples)
			if rerr != nil {
				s.fail("Failed to resample: %v", rerr)
				return
			}
			samples = out
		}

		if len(samples) > 0 {
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-s.GetStopCh():
					return
				}
				s.emit(samples, s)
			} else if !s.push(samples, s) {
				return
			}
		}

		if errors.Is(err, io.EOF) {
			if !s.repeat {
				logger.Info("**%s** Reached end of %s", s.GetName(), s.filePath)
				s.finish(s)
				return
			}
			if rerr := s.reader.Rewind(); rerr != nil {
				s.fail("Failed to rewind: %v", rerr)
				return
			}
		}

		select {
		case <-s.GetStopCh():
			return
		default:
		}
	}
}

func (s *FileIQSource) closeFile() {
	if s.resampler != nil {
		s.resampler.Close()
		s.resampler = nil
	}
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
		s.file = nil
	}
}

// Stop 停止回放
func (s *FileIQSource) Stop() {
	s.stopLoop()
}
