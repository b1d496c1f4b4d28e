package logger

import (
	"os"
	"osmoscope/internal/config"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
	once  sync.Once
)

// BracketEncoder 以 [时间][级别][调用位置] 消息 的格式输出日志
type BracketEncoder struct {
	zapcore.Encoder
	pool buffer.Pool
}

// DefaultLogConfig 返回默认日志配置（仅输出到标准输出）
func DefaultLogConfig() config.LogConfig {
	return config.Default().Log
}

// NewBracketEncoder 创建 BracketEncoder
func NewBracketEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &BracketEncoder{
		Encoder: zapcore.NewJSONEncoder(cfg),
		pool:    buffer.NewPool(),
	}
}

// Clone 实现 zapcore.Encoder 接口
func (e *BracketEncoder) Clone() zapcore.Encoder {
	return &BracketEncoder{
		Encoder: e.Encoder.Clone(),
		pool:    e.pool,
	}
}

// EncodeEntry 实现 zapcore.Encoder 接口
func (e *BracketEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf := e.pool.Get()

	buf.AppendString("[")
	buf.AppendString(entry.Time.Format("2006-01-02T15:04:05.000-0700"))
	buf.AppendString("][")
	buf.AppendString(entry.Level.CapitalString())
	buf.AppendString("][")
	buf.AppendString(entry.Caller.TrimmedPath())
	buf.AppendString("]")
	if entry.LoggerName != "" {
		buf.AppendString("[")
		buf.AppendString(entry.LoggerName)
		buf.AppendString("]")
	}

	buf.AppendString(" ")
	buf.AppendString(entry.Message)
	buf.AppendString("\n")

	return buf, nil
}

// InitLogger 初始化全局日志，只生效一次
// Level: "debug", "info", "warn", "error", "dpanic", "panic", "fatal"
// File 为空时只输出到标准输出，否则同时写入按大小轮转的日志文件
func InitLogger(cfg *config.LogConfig) {
	once.Do(func() {
		if cfg == nil {
			defaultConfig := DefaultLogConfig()
			cfg = &defaultConfig
		}

		level := zap.InfoLevel
		if err := level.Set(cfg.Level); err != nil {
			level = zap.InfoLevel
		}

		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "time"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

		stdoutCore := zapcore.NewCore(
			NewBracketEncoder(encoderConfig),
			zapcore.AddSync(os.Stdout),
			zap.NewAtomicLevelAt(level),
		)

		core := stdoutCore
		if cfg.File != "" {
			rotator := &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}

			fileCore := zapcore.NewCore(
				NewBracketEncoder(encoderConfig),
				zapcore.AddSync(rotator),
				zap.NewAtomicLevelAt(level),
			)

			core = zapcore.NewTee(stdoutCore, fileCore)
		}

		Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
		Sugar = Log.Sugar()
	})
}

// sugar 未初始化时使用默认配置，保证库代码和测试中可以直接打日志
func sugar() *zap.SugaredLogger {
	InitLogger(nil)
	return Sugar
}

// Debug logs a message at debug level
func Debug(msg string, fields ...interface{}) {
	sugar().Debugf(msg, fields...)
}

// Info logs a message at info level
func Info(msg string, fields ...interface{}) {
	sugar().Infof(msg, fields...)
}

// Warn logs a message at warn level
func Warn(msg string, fields ...interface{}) {
	sugar().Warnf(msg, fields...)
}

// Error logs a message at error level
func Error(msg string, fields ...interface{}) {
	sugar().Errorf(msg, fields...)
}

// Fatal logs a message at fatal level
func Fatal(msg string, fields ...interface{}) {
	sugar().Fatalf(msg, fields...)
}

// Named returns a logger with the specified name
func Named(name string) *zap.Logger {
	InitLogger(nil)
	return Log.Named(name)
}

// Sync flushes any buffered log entries
func Sync() error {
	if Log == nil {
		return nil
	}
	return Log.Sync()
}
