package flux

import (
	"io"
	"net"
	"osmoscope/internal/protocol/rtltcp"
	"osmoscope/internal/protocol/wav"
	"osmoscope/pkg/logic/codec"
	"osmoscope/pkg/logic/pipeline"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withDrivers 在测试期间替换驱动表
func withDrivers(t *testing.T, register func()) {
	driversMu.Lock()
	savedDrivers, savedOrder := drivers, driverOrder
	drivers, driverOrder = map[string]driver{}, nil
	driversMu.Unlock()

	t.Cleanup(func() {
		driversMu.Lock()
		drivers, driverOrder = savedDrivers, savedOrder
		driversMu.Unlock()
	})
	register()
}

// collect 从源的输出通道读取数据包，直到收到 n 个采样点、流结束或超时
func collect(t *testing.T, src SampleSource, n int, timeout time.Duration) ([]complex64, bool) {
	t.Helper()
	var out []complex64
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case packet := <-src.GetOutputChan():
			if packet.Command == pipeline.PacketCommandEndOfStream {
				return out, true
			}
			iq, ok := packet.Data.(codec.IQPacket)
			require.True(t, ok, "unexpected packet data %T", packet.Data)
			assert.Equal(t, uint64(len(out)), iq.Offset())
			out = append(out, iq.Samples()...)
		case <-deadline:
			return out, false
		}
	}
	return out, false
}

func TestParseDeviceArgs(t *testing.T) {
	d, err := ParseDeviceArgs("rtl_tcp=10.0.0.2:1234, freq=100e6,gain=20")
	require.NoError(t, err)
	assert.Equal(t, "rtl_tcp", d.Driver)
	assert.Equal(t, "10.0.0.2:1234", d.Value)
	assert.Equal(t, "100e6", d.Params["freq"])
	assert.Equal(t, "rtl_tcp=10.0.0.2:1234,freq=100e6,gain=20", d.String())

	freq, err := d.Float("freq", 0)
	require.NoError(t, err)
	assert.Equal(t, 100e6, freq)

	ppm, err := d.Float("ppm", 3)
	require.NoError(t, err)
	assert.Equal(t, 3.0, ppm)

	d, err = ParseDeviceArgs("sim")
	require.NoError(t, err)
	assert.Equal(t, "sim", d.Driver)
	assert.Empty(t, d.Value)

	d, err = ParseDeviceArgs("file=a.wav,repeat=maybe")
	require.NoError(t, err)
	_, err = d.Bool("repeat", true)
	assert.Error(t, err)

	_, err = ParseDeviceArgs("=oops")
	assert.Error(t, err)
}

func TestNewOsmoSDRSource_UnknownDriver(t *testing.T) {
	_, err := NewOsmoSDRSource("hackrf=0", SourceOptions{})
	assert.ErrorContains(t, err, "unknown osmosdr driver")
}

func TestNewOsmoSDRSource_NoDevice(t *testing.T) {
	withDrivers(t, func() {
		RegisterDriver("sim", newSimDriver, func() []string { return nil })
	})

	_, err := NewOsmoSDRSource("", SourceOptions{})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestNewOsmoSDRSource_FirstDevice(t *testing.T) {
	withDrivers(t, func() {
		RegisterDriver("none", newSimDriver, func() []string { return nil })
		RegisterDriver("sim", newSimDriver, func() []string { return []string{"sim,tone=1000", "sim,tone=2000"} })
	})

	src, err := NewOsmoSDRSource("", SourceOptions{})
	require.NoError(t, err)
	sim, ok := src.(*SimSource)
	require.True(t, ok)
	assert.Equal(t, 1000.0, sim.Tone())
	assert.Equal(t, DefaultSourceRate, src.SampleRate())
	assert.Equal(t, pipeline.SourceSignature, src.IOSignature())
}

func TestSimSource(t *testing.T) {
	src, err := NewOsmoSDRSource("sim,tone=12000,amp=1,noise=0", SourceOptions{BufferSize: 512})
	require.NoError(t, err)

	sim := src.(*SimSource)
	first := NewSimSource(12000, 1, 0, SourceOptions{}).Generate(4)
	assert.InDelta(t, 1.0, real(first[0]), 1e-6)
	assert.InDelta(t, 0.0, imag(first[0]), 1e-6)
	// 96kHz 下 12kHz 每个采样点转 45 度
	assert.InDelta(t, 0.0, real(first[2]), 1e-6)
	assert.InDelta(t, 1.0, imag(first[2]), 1e-6)

	require.NoError(t, sim.Start())
	samples, eos := collect(t, sim, 1024, 2*time.Second)
	sim.Stop()

	assert.False(t, eos)
	require.GreaterOrEqual(t, len(samples), 1024)
	assert.Equal(t, pipeline.ComponentStateStopped, sim.GetHealth().State)
}

func writeIQFile(t *testing.T, rate uint32, samples []complex64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iq.wav")
	w, err := wav.NewFileWriter(path, wav.NewIQFormat(rate))
	require.NoError(t, err)
	require.NoError(t, w.WriteIQ(samples))
	require.NoError(t, w.Close())
	return path
}

func TestFileIQSource_PlaysOnce(t *testing.T) {
	want := NewSimSource(6000, 0.5, 0, SourceOptions{}).Generate(3000)
	path := writeIQFile(t, 96000, want)

	src, err := NewOsmoSDRSource("file="+path+",throttle=false,repeat=false", SourceOptions{BufferSize: 1024})
	require.NoError(t, err)
	require.NoError(t, src.Start())
	defer src.Stop()

	got, eos := collect(t, src, len(want)+1, 2*time.Second)
	assert.True(t, eos)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, real(want[i]), real(got[i]), 1e-3)
		assert.InDelta(t, imag(want[i]), imag(got[i]), 1e-3)
	}
}

func TestFileIQSource_Repeat(t *testing.T) {
	path := writeIQFile(t, 96000, NewSimSource(6000, 0.5, 0, SourceOptions{}).Generate(500))

	src := NewFileIQSource(path, SourceOptions{BufferSize: 256})
	src.SetThrottle(false)
	require.NoError(t, src.Start())
	defer src.Stop()

	got, eos := collect(t, src, 2000, 2*time.Second)
	assert.False(t, eos)
	assert.GreaterOrEqual(t, len(got), 2000)
}

func TestFileIQSource_Errors(t *testing.T) {
	_, err := NewOsmoSDRSource("file", SourceOptions{})
	assert.Error(t, err)

	src := NewFileIQSource(filepath.Join(t.TempDir(), "missing.wav"), SourceOptions{})
	assert.Error(t, src.Start())

	mono := filepath.Join(t.TempDir(), "mono.wav")
	w, err := wav.NewFileWriter(mono, wav.NewPCM16Format(96000, 1))
	require.NoError(t, err)
	require.NoError(t, w.WriteSamples([]int16{1, 2, 3, 4}))
	require.NoError(t, w.Close())
	assert.ErrorContains(t, NewFileIQSource(mono, SourceOptions{}).Start(), "2 channels")
}

func TestRTLTCPSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	commands := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header, _ := rtltcp.NewDongleInfo(rtltcp.TunerR820T, 29).MarshalBinary()
		conn.Write(header)

		// rate, freq, gain mode, gain, ppm
		buf := make([]byte, 25)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		commands <- buf
		conn.Write([]byte{255, 0, 128, 127, 255, 255, 0, 0})
	}()

	src, err := NewOsmoSDRSource("rtl_tcp="+ln.Addr().String()+",rate=250000,freq=433.92e6,gain=20.5,ppm=-3", SourceOptions{BufferSize: 4})
	require.NoError(t, err)
	rtl := src.(*RTLTCPSource)
	assert.Equal(t, 433.92e6, rtl.CenterFreq())
	assert.Equal(t, 250000.0, rtl.SampleRate())

	require.NoError(t, rtl.Start())
	defer rtl.Stop()

	select {
	case buf := <-commands:
		expect := []struct {
			cmd   byte
			param uint32
		}{
			{rtltcp.CmdSetSampleRate, 250000},
			{rtltcp.CmdSetFrequency, 433920000},
			{rtltcp.CmdSetGainMode, 1},
			{rtltcp.CmdSetGain, 205},
			{rtltcp.CmdSetFreqCorrection, uint32(0xfffffffd)},
		}
		for i, e := range expect {
			cmd, param, err := rtltcp.DecodeCommand(buf[i*5 : i*5+5])
			require.NoError(t, err)
			assert.Equal(t, e.cmd, cmd)
			assert.Equal(t, e.param, param)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive commands")
	}

	samples, eos := collect(t, rtl, 5, 2*time.Second)
	assert.True(t, eos)
	require.Len(t, samples, 4)
	assert.InDelta(t, 1.0, real(samples[0]), 1e-6)
	assert.InDelta(t, -1.0, imag(samples[0]), 1e-6)
	assert.InDelta(t, 0.0, real(samples[1]), 0.01)
}

func TestRTLTCPSource_DefaultRate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	commands := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header, _ := rtltcp.NewDongleInfo(rtltcp.TunerR820T, 29).MarshalBinary()
		conn.Write(header)

		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		commands <- buf
	}()

	// 没有 rate= 时不使用声卡的 96kHz
	src, err := NewOsmoSDRSource("rtl_tcp="+ln.Addr().String(), SourceOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2.048e6, src.SampleRate())

	require.NoError(t, src.Start())
	defer src.Stop()

	select {
	case buf := <-commands:
		cmd, param, err := rtltcp.DecodeCommand(buf)
		require.NoError(t, err)
		assert.Equal(t, rtltcp.CmdSetSampleRate, cmd)
		assert.Equal(t, uint32(2048000), param)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the sample rate command")
	}
}

func TestRTLTCPSource_InvalidRate(t *testing.T) {
	for _, args := range []string{"rtl_tcp,rate=96000", "rtl_tcp,rate=500e3", "rtl_tcp,rate=4e6"} {
		_, err := NewOsmoSDRSource(args, SourceOptions{})
		assert.ErrorContains(t, err, "invalid rtl_tcp rate", args)
	}
}
