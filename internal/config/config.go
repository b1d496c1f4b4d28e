package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 OSMOSCOPE_SERVER_HTTP_PORT
const EnvPrefix = "OSMOSCOPE"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Source SourceConfig `yaml:"source"`
	Sink   SinkConfig   `yaml:"sink"`
	Record RecordConfig `yaml:"record"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig 显示窗口（HTTP + WebSocket）配置
type ServerConfig struct {
	Title          string `yaml:"title" split_words:"true"`
	HTTPPort       int    `yaml:"http_port" split_words:"true"`
	Host           string `yaml:"host"`
	StaticDir      string `yaml:"static_dir" split_words:"true"`
	HealthInterval int    `yaml:"health_interval" split_words:"true"` // 秒
}

// SourceConfig 射频源配置。Args 为 osmosdr 风格的设备字符串，空字符串表示自动选择第一个可用设备
type SourceConfig struct {
	Args       string `yaml:"args"`
	BufferSize int    `yaml:"buffer_size" split_words:"true"` // 每个数据包的采样点数
}

// SinkConfig 频谱显示的可调参数；固定参数（FFT 大小、参考电平等）由流图本身决定
type SinkConfig struct {
	Window   string  `yaml:"window"`
	YPerDiv  float64 `yaml:"y_per_div" split_words:"true"`
	PeakHold bool    `yaml:"peak_hold" split_words:"true"`
}

// RecordConfig IQ 录制配置
type RecordConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size" split_words:"true"`    // MB
	MaxBackups int    `yaml:"max_backups" split_words:"true"` // 个
	MaxAge     int    `yaml:"max_age" split_words:"true"`     // 天
	Compress   bool   `yaml:"compress"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Title:          "OsmoSDR Source",
			HTTPPort:       8080,
			Host:           "0.0.0.0",
			HealthInterval: 30,
		},
		Source: SourceConfig{
			Args:       "",
			BufferSize: 4096,
		},
		Sink: SinkConfig{
			Window:  "blackmanharris",
			YPerDiv: 10,
		},
		Record: RecordConfig{
			Enabled: false,
			File:    "record/osmosdr_iq.wav",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig 读取 YAML 配置并叠加环境变量。配置文件不存在时使用默认值
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		file, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// 使用默认配置
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(file, config); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}

	return config, nil
}

// ApplyEnv 用 OSMOSCOPE_* 环境变量覆盖配置项
func ApplyEnv(config *Config) error {
	sections := []struct {
		name   string
		target interface{}
	}{
		{"SERVER", &config.Server},
		{"SOURCE", &config.Source},
		{"SINK", &config.Sink},
		{"RECORD", &config.Record},
		{"LOG", &config.Log},
	}

	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.target); err != nil {
			return fmt.Errorf("error applying %s environment: %w", s.name, err)
		}
	}
	return nil
}
