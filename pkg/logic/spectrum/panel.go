package spectrum

import (
	"sync"
	"time"
)

// Frame 一帧频谱，Bins 已经把直流移到中间
type Frame struct {
	Seq          uint64    `json:"seq"`
	Time         time.Time `json:"time"`
	Title        string    `json:"title"`
	SampleRate   float64   `json:"sample_rate"`
	BasebandFreq float64   `json:"baseband_freq"`
	RefLevel     float64   `json:"ref_level"`
	YPerDiv      float64   `json:"y_per_div"`
	YDivs        int       `json:"y_divs"`
	Bins         []float64 `json:"bins"`
	Peak         []float64 `json:"peak,omitempty"`
}

// BinFreq 第 i 个点对应的绝对频率 (Hz)
func (f *Frame) BinFreq(i int) float64 {
	n := len(f.Bins)
	if n == 0 {
		return f.BasebandFreq
	}
	return f.BasebandFreq + float64(i-n/2)*f.SampleRate/float64(n)
}

// PeakBin 返回最大值所在的下标
func (f *Frame) PeakBin() int {
	best := 0
	for i, v := range f.Bins {
		if v > f.Bins[best] {
			best = i
		}
	}
	return best
}

// Publisher 接收频谱帧，例如 websocket 广播
type Publisher interface {
	PublishFrame(frame *Frame)
}

// PublisherFunc 让普通函数实现 Publisher
type PublisherFunc func(frame *Frame)

func (f PublisherFunc) PublishFrame(frame *Frame) {
	f(frame)
}

// Panel 可以放进显示窗口的部件
type Panel struct {
	mu         sync.RWMutex
	publishers []Publisher
	last       *Frame
	settings   func() Settings
}

func newPanel(settings func() Settings) *Panel {
	return &Panel{settings: settings}
}

// NewPanel 创建参数固定的面板
func NewPanel(settings Settings) *Panel {
	return newPanel(func() Settings { return settings })
}

// Title 面板标题
func (p *Panel) Title() string {
	return p.settings().Title
}

// Settings 当前参数的快照
func (p *Panel) Settings() Settings {
	return p.settings()
}

// Attach 添加一个帧接收者
func (p *Panel) Attach(pub Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishers = append(p.publishers, pub)
}

// LastFrame 最近一次发布的帧，还没有时返回 nil
func (p *Panel) LastFrame() *Frame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Panel) publish(frame *Frame) {
	p.mu.Lock()
	p.last = frame
	pubs := append([]Publisher(nil), p.publishers...)
	p.mu.Unlock()

	for _, pub := range pubs {
		pub.PublishFrame(frame)
	}
}
