package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		env, level string
		debug      bool
		wantErr    bool
	}{
		{"local", "", true, false},
		{"prod", "", false, false},
		{"prod", "debug", true, false},
		{"local", "warn", false, false},
		{"prod", "loud", false, true},
	}
	for _, tc := range tests {
		l, err := New("jackpot-service", tc.env, tc.level)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s/%s: expected error", tc.env, tc.level)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.env, tc.level, err)
		}
		if got := l.Core().Enabled(zapcore.DebugLevel); got != tc.debug {
			t.Fatalf("%s/%s: debug enabled = %v, want %v", tc.env, tc.level, got, tc.debug)
		}
	}
}
