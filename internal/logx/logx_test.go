// =============================================================================
// 文件: internal/logx/logx_test.go
// =============================================================================
package logx

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLevelFromString(t *testing.T) {
	tests := map[string]int{
		"debug": LevelDebug,
		"DEBUG": LevelDebug,
		"error": LevelError,
		"info":  LevelInfo,
		"":      LevelInfo,
		"trace": LevelInfo,
	}
	for in, want := range tests {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestModuleFiltersLevel(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Module(zap.New(core), "Engine", LevelInfo)

	l.Log(LevelError, "错误 %d", 1)
	l.Log(LevelInfo, "信息 %d", 2)
	l.Log(LevelDebug, "调试 %d", 3)

	if logs.Len() != 2 {
		t.Fatalf("日志条数 = %d, want 2", logs.Len())
	}
	entry := logs.All()[0]
	if entry.LoggerName != "Engine" {
		t.Errorf("LoggerName = %q, want Engine", entry.LoggerName)
	}
	if entry.Message != "错误 1" {
		t.Errorf("Message = %q, want 错误 1", entry.Message)
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Log(LevelError, "不应 panic")
	if l.Enabled(LevelError) {
		t.Error("nil logger 不应启用")
	}
	Nop().Log(LevelDebug, "丢弃")
}

func TestNew(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(%s) 失败: %v", format, err)
		}
		_ = logger.Sync()
	}
}
