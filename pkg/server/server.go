package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"osmoscope/internal/config"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/pipeline"
	"osmoscope/pkg/logic/spectrum"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static
var staticFiles embed.FS

var ErrAlreadyRunning = errors.New("display server already running")

// SampRateControl 可以通过 HTTP 调整的流图参数
type SampRateControl interface {
	SampRate() float64
	SetSampRate(rate float64)
}

// HealthFunc 返回各个块的健康状态
type HealthFunc func() map[string]pipeline.ComponentHealth

// DisplayServer 用浏览器充当显示窗口：部件通过 websocket 推送频谱帧
type DisplayServer struct {
	name    string
	cfg     config.ServerConfig
	engine  *gin.Engine
	metrics *Metrics

	mu      sync.RWMutex
	panels  []*spectrum.Panel
	control SampRateControl
	health  HealthFunc

	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	running  bool
	addr     string
	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	hubDone  chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewDisplayServer 创建显示服务
func NewDisplayServer(cfg config.ServerConfig) *DisplayServer {
	s := &DisplayServer{
		name:       "DisplayServer",
		cfg:        cfg,
		engine:     gin.New(),
		metrics:    NewMetrics(),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ready:      make(chan struct{}),
		stopCh:     make(chan struct{}),
		hubDone:    make(chan struct{}),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *DisplayServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("**%s** %s %s %d %v", s.name, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *DisplayServer) setupRoutes() {
	if s.cfg.StaticDir != "" {
		s.engine.StaticFile("/", filepath.Join(s.cfg.StaticDir, "index.html"))
		s.engine.Static("/static", s.cfg.StaticDir)
	} else {
		sub, _ := fs.Sub(staticFiles, "static")
		s.engine.StaticFileFS("/", "index.html", http.FS(sub))
		s.engine.StaticFS("/static", http.FS(sub))
	}

	api := s.engine.Group("/api")
	api.GET("/widgets", s.getWidgets)
	api.GET("/health", s.getHealth)
	api.GET("/samp_rate", s.getSampRate)
	api.PUT("/samp_rate", s.putSampRate)

	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
}

// Handler 返回 HTTP 处理器
func (s *DisplayServer) Handler() http.Handler {
	return s.engine
}

// Metrics 返回指标
func (s *DisplayServer) Metrics() *Metrics {
	return s.metrics
}

// Add 把部件加入窗口
func (s *DisplayServer) Add(panel *spectrum.Panel) {
	s.mu.Lock()
	index := len(s.panels)
	s.panels = append(s.panels, panel)
	s.mu.Unlock()

	panel.Attach(newWidgetPublisher(s, index))
	logger.Info("**%s** Added widget %d: %s", s.name, index, panel.Title())
}

// Panels 已加入的部件
func (s *DisplayServer) Panels() []*spectrum.Panel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*spectrum.Panel(nil), s.panels...)
}

// SetControl 注册采样率控制
func (s *DisplayServer) SetControl(control SampRateControl) {
	s.mu.Lock()
	s.control = control
	s.mu.Unlock()
	if control != nil {
		s.metrics.SampRate.Set(control.SampRate())
	}
}

// SetHealthFunc 注册健康状态来源
func (s *DisplayServer) SetHealthFunc(fn HealthFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = fn
}

// Ready 开始监听后关闭
func (s *DisplayServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr 实际监听的地址，Ready 之后有效
func (s *DisplayServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Run 监听并服务，直到 ctx 结束、调用 Stop 或监听出错
func (s *DisplayServer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort))
	if err != nil {
		close(s.hubDone)
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	go func() {
		defer close(s.hubDone)
		s.hubLoop(s.stopCh)
	}()

	srv := &http.Server{Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("**%s** %q listening on http://%s", s.name, s.cfg.Title, s.addr)

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("**%s** Shutdown: %v", s.name, err)
	}
	<-s.hubDone
	logger.Info("**%s** Stopped", s.name)
	return runErr
}

// Stop 让 Run 返回，可以重复调用
func (s *DisplayServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *DisplayServer) unregisterClient(c *Client) {
	select {
	case s.unregister <- c:
	case <-s.hubDone:
	}
}

func (s *DisplayServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("**%s** Failed to upgrade websocket: %v", s.name, err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	select {
	case s.register <- client:
	case <-s.hubDone:
		conn.Close()
		return
	case <-time.After(writeWait):
		// hub 没有运行
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (s *DisplayServer) getWidgets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"title":   s.cfg.Title,
		"widgets": s.widgetInfos(),
	})
}

func (s *DisplayServer) getHealth(c *gin.Context) {
	s.mu.RLock()
	fn := s.health
	s.mu.RUnlock()

	components := map[string]pipeline.ComponentHealth{}
	if fn != nil {
		components = fn()
	}

	status := "ok"
	for _, h := range components {
		if h.State == pipeline.ComponentStateError {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"components": components,
	})
}

type sampRateRequest struct {
	SampRate float64 `json:"samp_rate" binding:"required,gt=0"`
}

func (s *DisplayServer) getSampRate(c *gin.Context) {
	s.mu.RLock()
	control := s.control
	s.mu.RUnlock()
	if control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no flow graph attached"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samp_rate": control.SampRate()})
}

func (s *DisplayServer) putSampRate(c *gin.Context) {
	s.mu.RLock()
	control := s.control
	s.mu.RUnlock()
	if control == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no flow graph attached"})
		return
	}

	var req sampRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	control.SetSampRate(req.SampRate)
	s.metrics.SampRate.Set(req.SampRate)
	logger.Info("**%s** samp_rate set to %.0f by %s", s.name, req.SampRate, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"samp_rate": control.SampRate()})
}
