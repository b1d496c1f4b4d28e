package rtltcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDongleInfo(t *testing.T) {
	info := NewDongleInfo(TunerR820T, 29)
	buf, err := info.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{'R', 'T', 'L', '0', 0, 0, 0, 5, 0, 0, 0, 29}, buf)

	var decoded DongleInfo
	require.NoError(t, decoded.UnmarshalBinary(buf))
	assert.Equal(t, TunerR820T, decoded.Tuner)
	assert.Equal(t, "R820T", decoded.Tuner.String())
	assert.Equal(t, uint32(29), decoded.TunerGainCount)

	buf[0] = 'X'
	assert.ErrorIs(t, decoded.UnmarshalBinary(buf), ErrBadMagic)
	assert.Error(t, decoded.UnmarshalBinary(buf[:4]))
}

func TestValidSampleRate(t *testing.T) {
	for _, hz := range []float64{225001, 250000, 300000, 900001, DefaultSampleRate, 3.2e6} {
		assert.True(t, ValidSampleRate(hz), "%.0f", hz)
	}
	for _, hz := range []float64{0, 96000, 225000, 300001, 900000, 3200001} {
		assert.False(t, ValidSampleRate(hz), "%.0f", hz)
	}
}

func TestCommandEncoding(t *testing.T) {
	buf := EncodeCommand(CmdSetFrequency, 100000000)
	assert.Equal(t, []byte{0x01, 0x05, 0xf5, 0xe1, 0x00}, buf)

	cmd, param, err := DecodeCommand(buf)
	require.NoError(t, err)
	assert.Equal(t, CmdSetFrequency, cmd)
	assert.Equal(t, uint32(100000000), param)

	_, _, err = DecodeCommand(buf[:3])
	assert.Error(t, err)
}

func TestClientHandshakeAndCommands(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		header, _ := NewDongleInfo(TunerE4000, 14).MarshalBinary()
		conn.Write(header)
		conn.Write([]byte{255, 0, 128, 127})

		cmds := make([]byte, 15)
		io.ReadFull(conn, cmds)
		received <- cmds
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, TunerE4000, client.Info().Tuner)

	raw := make([]byte, 4)
	_, err = io.ReadFull(client, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 0, 128, 127}, raw)

	require.NoError(t, client.SetSampleRate(2048000))
	require.NoError(t, client.SetGain(496))

	select {
	case cmds := <-received:
		assert.Equal(t, EncodeCommand(CmdSetSampleRate, 2048000), cmds[0:5])
		assert.Equal(t, EncodeCommand(CmdSetGainMode, 1), cmds[5:10])
		assert.Equal(t, EncodeCommand(CmdSetGain, 496), cmds[10:15])
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive commands")
	}
}
