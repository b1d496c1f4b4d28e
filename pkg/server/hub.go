package server

import (
	"encoding/json"
	"osmoscope/pkg/logger"
	"osmoscope/pkg/logic/spectrum"
	"strconv"
)

// message 推送给浏览器的消息
type message struct {
	Type    string          `json:"type"`
	Widget  int             `json:"widget"`
	Frame   *spectrum.Frame `json:"frame,omitempty"`
	Widgets []widgetInfo    `json:"widgets,omitempty"`
}

type widgetInfo struct {
	Index    int               `json:"index"`
	Title    string            `json:"title"`
	Settings spectrum.Settings `json:"settings"`
}

// hubLoop 管理客户端的注册、注销和广播，只在 Run 期间运行
func (s *DisplayServer) hubLoop(done <-chan struct{}) {
	defer func() {
		for client := range s.clients {
			delete(s.clients, client)
			close(client.send)
		}
		s.metrics.WSConnections.Set(0)
	}()

	for {
		select {
		case <-done:
			return

		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.metrics.WSConnections.Set(float64(len(s.clients)))
			logger.Info("**%s** Client %s connected, %d total", s.name, client.id, len(s.clients))

			// 新客户端先收到部件列表和每个部件最近的一帧
			for _, msg := range s.snapshot() {
				select {
				case client.send <- msg:
				default:
				}
			}

		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				s.metrics.WSConnections.Set(float64(len(s.clients)))
				logger.Info("**%s** Client %s disconnected, %d left", s.name, client.id, len(s.clients))
			}

		case msg := <-s.broadcast:
			for client := range s.clients {
				select {
				case client.send <- msg:
				default:
					// 客户端太慢，断开以免阻塞广播
					logger.Warn("**%s** Client %s too slow, disconnecting", s.name, client.id)
					delete(s.clients, client)
					close(client.send)
					s.metrics.WSConnections.Set(float64(len(s.clients)))
				}
			}
		}
	}
}

// snapshot 编码部件列表和最近的帧
func (s *DisplayServer) snapshot() [][]byte {
	var out [][]byte
	if data, err := json.Marshal(message{Type: "widgets", Widgets: s.widgetInfos()}); err == nil {
		out = append(out, data)
	}
	for i, panel := range s.Panels() {
		frame := panel.LastFrame()
		if frame == nil {
			continue
		}
		if data, err := json.Marshal(message{Type: "frame", Widget: i, Frame: frame}); err == nil {
			out = append(out, data)
		}
	}
	return out
}

func (s *DisplayServer) widgetInfos() []widgetInfo {
	panels := s.Panels()
	infos := make([]widgetInfo, len(panels))
	for i, p := range panels {
		infos[i] = widgetInfo{Index: i, Title: p.Title(), Settings: p.Settings()}
	}
	return infos
}

// widgetPublisher 把某个部件的帧转发到广播队列
type widgetPublisher struct {
	server *DisplayServer
	index  int
	label  string
}

func (p *widgetPublisher) PublishFrame(frame *spectrum.Frame) {
	data, err := json.Marshal(message{Type: "frame", Widget: p.index, Frame: frame})
	if err != nil {
		logger.Error("**%s** Failed to encode frame: %v", p.server.name, err)
		return
	}
	p.server.metrics.FramesPublished.WithLabelValues(p.label).Inc()

	select {
	case p.server.broadcast <- data:
	default:
		p.server.metrics.FramesDropped.Inc()
	}
}

func newWidgetPublisher(s *DisplayServer, index int) *widgetPublisher {
	return &widgetPublisher{server: s, index: index, label: strconv.Itoa(index)}
}
