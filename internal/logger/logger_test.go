package logger

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConvertFields(t *testing.T) {
	fields := convertFields("video", "clip.mp4", "frame", 20, 42, "skipped", "dangling")
	if len(fields) != 2 {
		t.Fatalf("Expected 2 fields, got %d", len(fields))
	}
	if fields[0].Key != "video" || fields[1].Key != "frame" {
		t.Errorf("Unexpected keys: %s, %s", fields[0].Key, fields[1].Key)
	}
}

func TestConvertFields_Error(t *testing.T) {
	fields := convertFields("error", errors.New("disk full"))
	if len(fields) != 1 {
		t.Fatalf("Expected 1 field, got %d", len(fields))
	}
	if fields[0].Type != zapcore.ErrorType {
		t.Errorf("Expected error field type, got %v", fields[0].Type)
	}
}

func TestLogger_WithAndNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := &Logger{zap.New(core)}

	log.Named("pipeline").With("session", "abc").Info("stream started", "source", "0")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.LoggerName != "pipeline" {
		t.Errorf("Expected logger name 'pipeline', got %q", entry.LoggerName)
	}
	ctx := entry.ContextMap()
	if ctx["session"] != "abc" || ctx["source"] != "0" {
		t.Errorf("Unexpected context: %v", ctx)
	}
}

func TestNew_FileOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "facetrace.log")
	log, err := New(LogConfig{Level: "debug", Format: "json", Output: out})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("hello")
	log.Sync()
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := New(LogConfig{Level: "loud", Format: "text"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if log.Core().Enabled(zapcore.DebugLevel) {
		t.Error("Debug should be disabled when level falls back to info")
	}
}
