package testcase

import (
	"math"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"osmoscope/internal/protocol/wav"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestbed_SimTone(t *testing.T) {
	tb, err := Start("sim,tone=12e3,amp=0.5,noise=0.001")
	require.NoError(t, err)
	defer func() { assert.NoError(t, tb.Close()) }()

	assert.Equal(t, 96000.0, tb.Graph.SampRate())

	conn, err := tb.Dial()
	require.NoError(t, err)
	defer conn.Close()

	frame, err := tb.NextFrame(conn, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, frame.Bins, 1024)
	assert.Equal(t, 96000.0, frame.SampleRate)
	assert.Equal(t, -30.0, frame.RefLevel)
	assert.Equal(t, 10, frame.YDivs)
	// 1024 点，每点 93.75Hz
	assert.InDelta(t, 12e3, frame.BinFreq(frame.PeakBin()), 100)

	status, err := tb.Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
}

func TestTestbed_SetSampRate(t *testing.T) {
	tb, err := Start("sim")
	require.NoError(t, err)
	defer func() { assert.NoError(t, tb.Close()) }()

	conn, err := tb.Dial()
	require.NoError(t, err)
	defer conn.Close()

	code, err := tb.SetSampRate(48000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 48000.0, tb.Graph.SampRate())
	assert.Equal(t, 48000.0, tb.Graph.Sink().SampleRate())

	// 之后的帧使用新的采样率标注频率轴
	require.Eventually(t, func() bool {
		frame, err := tb.NextFrame(conn, 2*time.Second)
		return err == nil && frame.SampleRate == 48000
	}, 5*time.Second, 10*time.Millisecond)

	code, err = tb.SetSampRate(-5)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 48000.0, tb.Graph.SampRate())
}

func TestTestbed_FileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeTone(t, path, 96000, 24e3, 96000)

	tb, err := Start("file=" + path + ",repeat=true")
	require.NoError(t, err)
	defer func() { assert.NoError(t, tb.Close()) }()

	conn, err := tb.Dial()
	require.NoError(t, err)
	defer conn.Close()

	frame, err := tb.NextFrame(conn, 5*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 24e3, frame.BinFreq(frame.PeakBin()), 100)
}

func TestTestbed_BadDevice(t *testing.T) {
	_, err := Start("nosuchdriver")
	assert.Error(t, err)

	_, err = Start("file=" + filepath.Join(os.TempDir(), "osmoscope-missing.wav"))
	assert.Error(t, err)
}

// writeTone 写入 n 个采样点的复数正弦 IQ 文件
func writeTone(t *testing.T, path string, rate uint32, freq float64, n int) {
	t.Helper()
	w, err := wav.NewFileWriter(path, wav.NewIQFormat(rate))
	require.NoError(t, err)

	samples := make([]complex64, n)
	for i := range samples {
		ph := 2 * math.Pi * freq * float64(i) / float64(rate)
		samples[i] = complex(float32(0.5*math.Cos(ph)), float32(0.5*math.Sin(ph)))
	}
	require.NoError(t, w.WriteIQ(samples))
	require.NoError(t, w.Close())
}
