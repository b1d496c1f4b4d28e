package flux

import (
	"errors"
	"fmt"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/codec"

	"github.com/gordonklaus/portaudio"
)

// AudioSource 从声卡读取立体声，左声道为 I、右声道为 Q，合成为复数流
type AudioSource struct {
	*sourceBase
	device string
	stream *portaudio.Stream
	buf    []float32
}

func newAudioDriver(args DeviceArgs, opts SourceOptions) (SampleSource, error) {
	rate, err := args.Float("rate", opts.SampleRate)
	if err != nil {
		return nil, err
	}
	opts.SampleRate = rate
	return NewAudioSource(args.Value, opts), nil
}

// NewAudioSource 创建声卡源，device 为空时使用默认输入设备
func NewAudioSource(device string, opts SourceOptions) *AudioSource {
	opts = opts.withDefaults()
	return &AudioSource{
		sourceBase: newSourceBase("AudioSource", opts),
		device:     device,
	}
}

// probeAudioDevices 列出至少有两个输入声道的声卡
func probeAudioDevices() []string {
	if err := portaudio.Initialize(); err != nil {
		logger.Debug("portaudio not available: %v", err)
		return nil
	}
	defer portaudio.Terminate()

	var devices []string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def.MaxInputChannels >= 2 {
		devices = append(devices, "audio="+def.Name)
	}
	all, err := portaudio.Devices()
	if err != nil {
		return devices
	}
	for _, dev := range all {
		name := "audio=" + dev.Name
		if dev.MaxInputChannels < 2 || (len(devices) > 0 && devices[0] == name) {
			continue
		}
		devices = append(devices, name)
	}
	return devices
}

func lookupInputDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" {
		return portaudio.DefaultInputDevice()
	}
	all, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range all {
		if dev.Name == name {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("audio device %q not found", name)
}

// Start 打开声卡输入流并启动读循环
func (s *AudioSource) Start() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	dev, err := lookupInputDevice(s.device)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if dev.MaxInputChannels < 2 {
		portaudio.Terminate()
		return fmt.Errorf("audio device %q has %d input channels, need 2 for I/Q", dev.Name, dev.MaxInputChannels)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 2
	params.SampleRate = s.sampleRate
	params.FramesPerBuffer = s.bufferSize

	s.buf = make([]float32, s.bufferSize*2)
	stream, err := portaudio.OpenStream(params, s.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("error opening stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("error starting stream: %w", err)
	}
	s.stream = stream

	logger.Info("Started src component **%s** on %q at %.0f Hz", s.GetName(), dev.Name, s.sampleRate)
	s.startLoop(s.readLoop)
	return nil
}

func (s *AudioSource) readLoop() {
	for {
		select {
		case <-s.GetStopCh():
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				logger.Warn("**%s** Input overflowed", s.GetName())
				s.UpdateDroppedStatus()
				continue
			}
			s.fail("Failed to read audio: %v", err)
			return
		}

		s.emit(codec.InterleavedFloatToComplex(s.buf), s)
	}
}

// Stop 停止读循环并关闭声卡
func (s *AudioSource) Stop() {
	s.stopLoop()
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			logger.Warn("**%s** Error stopping stream: %v", s.GetName(), err)
		}
		s.stream.Close()
		s.stream = nil
		portaudio.Terminate()
	}
}
