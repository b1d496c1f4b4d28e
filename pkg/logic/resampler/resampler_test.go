package resampler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIQResampler_InvalidRates(t *testing.T) {
	_, err := NewIQResampler(0, 96000)
	assert.Error(t, err)
	_, err = NewIQResampler(48000, -1)
	assert.Error(t, err)
}

func TestIQResampler_Upsample(t *testing.T) {
	r, err := NewIQResampler(48000, 96000)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "IQResampler_48000Hz->96000Hz", r.Name())
	assert.Equal(t, 2.0, r.Ratio())

	// 1 秒的 1kHz 复数正弦，分块送入
	const in = 48000
	var out []complex64
	chunk := make([]complex64, 480)
	for n := 0; n < in; n += len(chunk) {
		for i := range chunk {
			ph := 2 * math.Pi * 1000 * float64(n+i) / 48000
			chunk[i] = complex(float32(0.5*math.Cos(ph)), float32(0.5*math.Sin(ph)))
		}
		got, err := r.Convert(chunk)
		require.NoError(t, err)
		out = append(out, got...)
	}

	assert.InDelta(t, 2*in, len(out), 0.1*2*in)

	// 稳定后幅度保持不变
	var sum float64
	tail := out[len(out)/2:]
	for _, s := range tail {
		sum += math.Hypot(float64(real(s)), float64(imag(s)))
	}
	assert.InDelta(t, 0.5, sum/float64(len(tail)), 0.05)
}

func TestIQResampler_BuffersShortInput(t *testing.T) {
	r, err := NewIQResampler(48000, 96000)
	require.NoError(t, err)
	defer r.Close()

	// 不足 20ms 时先缓存
	out, err := r.Convert(make([]complex64, 10))
	require.NoError(t, err)
	assert.Nil(t, out)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
