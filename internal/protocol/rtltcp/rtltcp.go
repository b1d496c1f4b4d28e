// Package rtltcp rtl_tcp 协议客户端
// 服务端先发送 12 字节的 dongle info，客户端发送 5 字节大端命令，之后是交错的 8 位无符号 IQ 字节流
package rtltcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// 命令字
const (
	CmdSetFrequency      byte = 0x01
	CmdSetSampleRate     byte = 0x02
	CmdSetGainMode       byte = 0x03
	CmdSetGain           byte = 0x04
	CmdSetFreqCorrection byte = 0x05
	CmdSetAGCMode        byte = 0x08
)

// TunerType rtl_tcp 报告的调谐器类型
type TunerType uint32

const (
	TunerUnknown TunerType = iota
	TunerE4000
	TunerFC0012
	TunerFC0013
	TunerFC2580
	TunerR820T
	TunerR828D
)

func (t TunerType) String() string {
	switch t {
	case TunerE4000:
		return "E4000"
	case TunerFC0012:
		return "FC0012"
	case TunerFC0013:
		return "FC0013"
	case TunerFC2580:
		return "FC2580"
	case TunerR820T:
		return "R820T"
	case TunerR828D:
		return "R828D"
	default:
		return "Unknown"
	}
}

var magic = [4]byte{'R', 'T', 'L', '0'}

var ErrBadMagic = errors.New("rtltcp: bad dongle info magic")

// DongleInfo 连接建立后服务端发送的第一个报文
type DongleInfo struct {
	Magic          [4]byte
	Tuner          TunerType
	TunerGainCount uint32
}

// MarshalBinary 编码为 12 字节
func (d DongleInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 12)
	copy(buf[:4], d.Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(d.Tuner))
	binary.BigEndian.PutUint32(buf[8:12], d.TunerGainCount)
	return buf, nil
}

// UnmarshalBinary 解码 12 字节报文并检查魔数
func (d *DongleInfo) UnmarshalBinary(buf []byte) error {
	if len(buf) < 12 {
		return fmt.Errorf("rtltcp: short dongle info: %d bytes", len(buf))
	}
	copy(d.Magic[:], buf[:4])
	if d.Magic != magic {
		return ErrBadMagic
	}
	d.Tuner = TunerType(binary.BigEndian.Uint32(buf[4:8]))
	d.TunerGainCount = binary.BigEndian.Uint32(buf[8:12])
	return nil
}

// NewDongleInfo 构造服务端报文，测试和模拟服务端使用
func NewDongleInfo(tuner TunerType, gainCount uint32) DongleInfo {
	return DongleInfo{Magic: magic, Tuner: tuner, TunerGainCount: gainCount}
}

// DefaultSampleRate rtl_tcp 服务端的常用采样率
const DefaultSampleRate = 2.048e6

// ValidSampleRate RTL2832U 只支持 225001-300000 和 900001-3200000 Hz
func ValidSampleRate(hz float64) bool {
	return (hz > 225000 && hz <= 300000) || (hz > 900000 && hz <= 3200000)
}

// EncodeCommand 编码一条 5 字节命令
func EncodeCommand(cmd byte, param uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = cmd
	binary.BigEndian.PutUint32(buf[1:], param)
	return buf
}

// DecodeCommand 解码一条 5 字节命令
func DecodeCommand(buf []byte) (byte, uint32, error) {
	if len(buf) < 5 {
		return 0, 0, fmt.Errorf("rtltcp: short command: %d bytes", len(buf))
	}
	return buf[0], binary.BigEndian.Uint32(buf[1:5]), nil
}

// Client rtl_tcp 客户端
type Client struct {
	conn    net.Conn
	info    DongleInfo
	writeMu sync.Mutex
}

// Dial 连接服务端并读取 dongle info
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtltcp: dial %s: %w", addr, err)
	}

	c, err := NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient 在已建立的连接上完成握手
func NewClient(conn net.Conn) (*Client, error) {
	header := make([]byte, 12)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("rtltcp: read dongle info: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	c := &Client{conn: conn}
	if err := c.info.UnmarshalBinary(header); err != nil {
		return nil, err
	}
	return c, nil
}

// Info 返回服务端报告的设备信息
func (c *Client) Info() DongleInfo {
	return c.info
}

// Command 发送一条命令
func (c *Client) Command(cmd byte, param uint32) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(EncodeCommand(cmd, param)); err != nil {
		return fmt.Errorf("rtltcp: command 0x%02x: %w", cmd, err)
	}
	return nil
}

// SetCenterFreq 设置中心频率 (Hz)
func (c *Client) SetCenterFreq(hz uint32) error {
	return c.Command(CmdSetFrequency, hz)
}

// SetSampleRate 设置采样率 (Hz)
func (c *Client) SetSampleRate(hz uint32) error {
	return c.Command(CmdSetSampleRate, hz)
}

// SetGain 以 0.1 dB 为单位设置增益，0 表示自动增益
func (c *Client) SetGain(tenthsDB int) error {
	if tenthsDB == 0 {
		return c.Command(CmdSetGainMode, 0)
	}
	if err := c.Command(CmdSetGainMode, 1); err != nil {
		return err
	}
	return c.Command(CmdSetGain, uint32(int32(tenthsDB)))
}

// SetFreqCorrection 设置频率校正 (ppm)
func (c *Client) SetFreqCorrection(ppm int) error {
	return c.Command(CmdSetFreqCorrection, uint32(int32(ppm)))
}

// Read 读取原始 IQ 字节流
func (c *Client) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.conn.Close()
}
