package observ

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger_LevelParsing(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		level       string
		debugPasses bool
	}{
		{"production debug", "production", "debug", true},
		{"development info", "development", "info", false},
		{"unparseable level falls back to info", "development", "loud", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger("gateway", tt.env, tt.level)
			if err != nil {
				t.Fatalf("NewLogger: %v", err)
			}
			defer func() { _ = logger.Sync() }()

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.debugPasses {
				t.Errorf("debug enabled = %v, want %v", got, tt.debugPasses)
			}
			if !logger.Core().Enabled(zapcore.ErrorLevel) {
				t.Error("error level must always be enabled")
			}
		})
	}
}
