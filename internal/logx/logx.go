// =============================================================================
// 文件: internal/logx/logx.go
// 描述: 日志 - zap 后端，保留 0=error 1=info 2=debug 三级模块日志接口
// =============================================================================
package logx

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 日志级别
const (
	LevelError = 0
	LevelInfo  = 1
	LevelDebug = 2
)

// LevelFromString 配置字符串转级别，未知值按 info 处理
func LevelFromString(s string) int {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// New 创建根 logger。format 为 console 或 json
func New(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	}
	cfg.DisableStacktrace = true

	switch LevelFromString(level) {
	case LevelDebug:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case LevelError:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("创建日志失败: %w", err)
	}
	return logger, nil
}

// Logger 模块日志
type Logger struct {
	sugar *zap.SugaredLogger
	level int
}

// Module 以模块名派生子 logger
func Module(base *zap.Logger, name string, level int) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{
		sugar: base.Named(name).Sugar(),
		level: level,
	}
}

// Nop 丢弃所有输出
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// Log 按级别输出
func (l *Logger) Log(level int, format string, args ...interface{}) {
	if l == nil || level > l.level {
		return
	}
	switch level {
	case LevelError:
		l.sugar.Errorf(format, args...)
	case LevelInfo:
		l.sugar.Infof(format, args...)
	default:
		l.sugar.Debugf(format, args...)
	}
}

// Enabled 级别是否会输出，用于跳过昂贵的格式化
func (l *Logger) Enabled(level int) bool {
	return l != nil && level <= l.level
}

// With 附加结构化字段
func (l *Logger) With(args ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sugar: l.sugar.With(args...), level: l.level}
}

// Sync 刷新缓冲
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.sugar.Sync()
}
