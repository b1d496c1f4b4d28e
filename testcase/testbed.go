// Package testcase 端到端测试用的完整流图：osmosdr 源、FFT 显示块和显示服务
package testcase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"osmoscope/internal/config"
	"osmoscope/pkg/flowgraph"
	"osmoscope/pkg/logic/flux"
	"osmoscope/pkg/logic/spectrum"
	"osmoscope/pkg/server"

	"github.com/gorilla/websocket"
)

// Testbed 在随机端口上运行的流图和显示服务
type Testbed struct {
	Display *server.DisplayServer
	Graph   *flowgraph.OsmoSDRSource

	cancel context.CancelFunc
	errCh  chan error
}

// WSMessage 显示服务推送的消息
type WSMessage struct {
	Type   string          `json:"type"`
	Widget int             `json:"widget"`
	Frame  *spectrum.Frame `json:"frame"`
}

// Start 用给定的设备字符串搭建流图并等待显示服务开始监听
func Start(args string) (*Testbed, error) {
	display := server.NewDisplayServer(config.ServerConfig{
		Title: "testbed",
		Host:  "127.0.0.1",
	})

	graph, err := flowgraph.NewOsmoSDRSource(display, flowgraph.Options{
		Title: "testbed",
		NewSource: func(string) (flux.SampleSource, error) {
			return flux.NewOsmoSDRSource(args, flux.SourceOptions{BufferSize: 1024})
		},
		HealthInterval: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	display.SetControl(graph)
	display.SetHealthFunc(graph.Graph().GetAllComponentsHealth)

	ctx, cancel := context.WithCancel(context.Background())
	tb := &Testbed{Display: display, Graph: graph, cancel: cancel, errCh: make(chan error, 1)}
	go func() { tb.errCh <- graph.Run(ctx, true) }()

	select {
	case <-display.Ready():
		return tb, nil
	case err := <-tb.errCh:
		cancel()
		return nil, fmt.Errorf("flow graph exited early: %w", err)
	case <-time.After(5 * time.Second):
		cancel()
		return nil, errors.New("display server did not start")
	}
}

// URL 显示服务地址
func (tb *Testbed) URL(path string) string {
	return "http://" + tb.Display.Addr() + path
}

// Dial 连接 websocket
func (tb *Testbed) Dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+tb.Display.Addr()+"/ws", nil)
	return conn, err
}

// NextFrame 读取下一帧，跳过其它消息
func (tb *Testbed) NextFrame(conn *websocket.Conn, timeout time.Duration) (*spectrum.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil, err
		}
		if msg.Type == "frame" && msg.Frame != nil {
			return msg.Frame, nil
		}
	}
}

// SetSampRate 通过 HTTP 接口修改采样率
func (tb *Testbed) SetSampRate(rate float64) (int, error) {
	body := fmt.Sprintf(`{"samp_rate": %g}`, rate)
	req, err := http.NewRequest(http.MethodPut, tb.URL("/api/samp_rate"), strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Health 读取 /api/health
func (tb *Testbed) Health() (string, error) {
	resp, err := http.Get(tb.URL("/api/health"))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Close 停止流图和显示服务
func (tb *Testbed) Close() error {
	tb.cancel()
	select {
	case err := <-tb.errCh:
		return err
	case <-time.After(5 * time.Second):
		return errors.New("flow graph did not stop")
	}
}
