package flux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"osmoscope/internal/protocol/rtltcp"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/codec"
	"time"
)

// RTLTCPSource 通过 rtl_tcp 协议从远端 RTL-SDR 读取 IQ
type RTLTCPSource struct {
	*sourceBase
	addr       string
	centerFreq float64
	gain       float64 // dB，0 表示自动增益
	ppm        int
	client     *rtltcp.Client
}

func newRTLTCPDriver(args DeviceArgs, opts SourceOptions) (SampleSource, error) {
	if args.Value == "" {
		args.Value = "127.0.0.1:1234"
	}
	// 声卡的默认采样率对 RTL2832U 无效，rtl_tcp 使用自己的默认值
	rate, err := args.Float("rate", rtltcp.DefaultSampleRate)
	if err != nil {
		return nil, err
	}
	if !rtltcp.ValidSampleRate(rate) {
		return nil, fmt.Errorf("invalid rtl_tcp rate %.0f: must be in 225001-300000 or 900001-3200000 Hz", rate)
	}
	freq, err := args.Float("freq", 100e6)
	if err != nil {
		return nil, err
	}
	gain, err := args.Float("gain", 0)
	if err != nil {
		return nil, err
	}
	ppm, err := args.Float("ppm", 0)
	if err != nil {
		return nil, err
	}
	opts.SampleRate = rate

	src := NewRTLTCPSource(args.Value, opts)
	src.centerFreq = freq
	src.gain = gain
	src.ppm = int(ppm)
	return src, nil
}

// NewRTLTCPSource 创建 rtl_tcp 源
func NewRTLTCPSource(addr string, opts SourceOptions) *RTLTCPSource {
	opts = opts.withDefaults()
	return &RTLTCPSource{
		sourceBase: newSourceBase("RTLTCPSource", opts),
		addr:       addr,
		centerFreq: 100e6,
	}
}

// CenterFreq 返回调谐频率 (Hz)
func (s *RTLTCPSource) CenterFreq() float64 {
	return s.centerFreq
}

// Start 连接服务端、下发调谐参数并启动读循环
func (s *RTLTCPSource) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := rtltcp.Dial(ctx, s.addr)
	if err != nil {
		return err
	}

	info := client.Info()
	logger.Info("**%s** Connected to %s, tuner %s with %d gain steps",
		s.GetName(), s.addr, info.Tuner, info.TunerGainCount)

	setup := []struct {
		what string
		fn   func() error
	}{
		{"sample rate", func() error { return client.SetSampleRate(uint32(s.sampleRate)) }},
		{"center freq", func() error { return client.SetCenterFreq(uint32(s.centerFreq)) }},
		{"gain", func() error { return client.SetGain(int(math.Round(s.gain * 10))) }},
		{"freq correction", func() error { return client.SetFreqCorrection(s.ppm) }},
	}
	for _, step := range setup {
		if err := step.fn(); err != nil {
			client.Close()
			return fmt.Errorf("failed to set %s: %w", step.what, err)
		}
	}

	s.client = client
	s.startLoop(s.readLoop)
	return nil
}

func (s *RTLTCPSource) readLoop() {
	raw := make([]byte, s.bufferSize*2)
	for {
		select {
		case <-s.GetStopCh():
			return
		default:
		}

		if _, err := io.ReadFull(s.client, raw); err != nil {
			select {
			case <-s.GetStopCh():
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Warn("**%s** Connection closed by server", s.GetName())
				s.finish(s)
				return
			}
			s.fail("Failed to read IQ data: %v", err)
			return
		}

		s.emit(codec.Uint8ToComplex(raw), s)
	}
}

// Stop 关闭连接以解除阻塞的读取
func (s *RTLTCPSource) Stop() {
	s.BaseComponent.Stop()
	if s.client != nil {
		s.client.Close()
	}
	s.stopLoop()
	s.client = nil
}
