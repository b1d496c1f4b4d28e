package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"osmoscope/internal/config"
	"osmoscope/pkg/logic/codec"
	"osmoscope/pkg/logic/pipeline"
	"osmoscope/pkg/logic/spectrum"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeControl struct {
	mu   sync.Mutex
	rate float64
}

func (f *fakeControl) SampRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeControl) SetSampRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
}

func newTestServer(t *testing.T) (*DisplayServer, *spectrum.FFTSink) {
	t.Helper()
	s := NewDisplayServer(config.ServerConfig{Title: "test", Host: "127.0.0.1", HTTPPort: 0})
	sink, err := spectrum.NewFFTSink(spectrum.Settings{
		Title:      "spectrum",
		FFTSize:    64,
		SampleRate: 96000,
		FFTRate:    1000,
		RefLevel:   -30,
		YDivs:      10,
	})
	require.NoError(t, err)
	s.Add(sink.Widget())
	return s, sink
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDisplayServer_Widgets(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s.Handler(), http.MethodGet, "/api/widgets", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Title   string       `json:"title"`
		Widgets []widgetInfo `json:"widgets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Title)
	require.Len(t, resp.Widgets, 1)
	assert.Equal(t, "spectrum", resp.Widgets[0].Title)
	assert.Equal(t, 64, resp.Widgets[0].Settings.FFTSize)
	assert.Equal(t, -30.0, resp.Widgets[0].Settings.RefLevel)
}

func TestDisplayServer_SampRate(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s.Handler(), http.MethodPut, "/api/samp_rate", `{"samp_rate": 48000}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	control := &fakeControl{rate: 96000}
	s.SetControl(control)

	w = doRequest(t, s.Handler(), http.MethodGet, "/api/samp_rate", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"samp_rate": 96000}`, w.Body.String())

	w = doRequest(t, s.Handler(), http.MethodPut, "/api/samp_rate", `{"samp_rate": 48000}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 48000.0, control.SampRate())

	w = doRequest(t, s.Handler(), http.MethodPut, "/api/samp_rate", `{"samp_rate": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(t, s.Handler(), http.MethodPut, "/api/samp_rate", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 48000.0, control.SampRate())
}

func TestDisplayServer_HealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetHealthFunc(func() map[string]pipeline.ComponentHealth {
		return map[string]pipeline.ComponentHealth{
			"FFTSink":   {State: pipeline.ComponentStateRunning},
			"SimSource": {State: pipeline.ComponentStateError},
		}
	})

	w := doRequest(t, s.Handler(), http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "Running", resp.Components["FFTSink"]["state"])

	w = doRequest(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "osmoscope_websocket_connections")

	w = doRequest(t, s.Handler(), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<canvas")
}

func TestDisplayServer_WebSocketFrames(t *testing.T) {
	s, sink := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "widgets", msg.Type)
	require.Len(t, msg.Widgets, 1)

	// 客户端注册后再发布帧
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, s), "osmoscope_websocket_connections 1")
	}, 2*time.Second, 10*time.Millisecond)

	samples := make([]complex64, 64)
	for i := range samples {
		samples[i] = 1
	}
	in := make(chan pipeline.Packet, 1)
	sink.SetInputChan(in)
	require.NoError(t, sink.Start())
	defer sink.Stop()
	in <- pipeline.Packet{Data: codec.NewIQPacket(samples, 0)}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "frame", msg.Type)
	assert.Equal(t, 0, msg.Widget)
	require.NotNil(t, msg.Frame)
	assert.Len(t, msg.Frame.Bins, 64)
	// 直流在中间
	assert.Equal(t, 32, msg.Frame.PeakBin())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
}

func scrape(t *testing.T, s *DisplayServer) string {
	w := doRequest(t, s.Handler(), http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(w.Body)
	return string(body)
}
