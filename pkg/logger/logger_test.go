package logger

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInitLogger(t *testing.T) {
	oldStdout := os.Stdout
	oldGlobalLevel := zerolog.GlobalLevel()
	defer func() {
		os.Stdout = oldStdout
		zerolog.SetGlobalLevel(oldGlobalLevel)
	}()

	tests := []struct {
		name          string
		logLevel      string
		expectedLevel zerolog.Level
		expectOutput  bool
	}{
		{"Debug Level", "debug", zerolog.DebugLevel, true},
		{"Info Level", "info", zerolog.InfoLevel, true},
		{"Warn Level", "warn", zerolog.WarnLevel, false},
		{"Error Level", "error", zerolog.ErrorLevel, false},
		{"Default Level (unknown)", "unknown", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.Disabled)

			r, w, _ := os.Pipe()
			os.Stdout = w

			InitLogger(tt.logLevel)
			assert.Equal(t, tt.expectedLevel, zerolog.GlobalLevel())

			w.Close()
			out, _ := io.ReadAll(r)
			r.Close()

			logOutput := string(out)
			if tt.expectOutput {
				assert.True(t, strings.Contains(logOutput, "Logger initialized with level:"))
				assert.True(t, strings.Contains(logOutput, tt.expectedLevel.String()))
			} else {
				assert.False(t, strings.Contains(logOutput, "Logger initialized with level:"))
			}
		})
	}
}

func TestComponent(t *testing.T) {
	logger := Component("dispatcher")
	assert.NotNil(t, logger)
}
