package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{name: "defaults", cfg: LogConfig{}},
		{name: "debug console", cfg: LogConfig{Level: "debug", Format: "console"}},
		{name: "upper case level", cfg: LogConfig{Level: "WARN", Format: "json"}},
		{name: "invalid level", cfg: LogConfig{Level: "loud"}, wantErr: true},
		{name: "invalid format", cfg: LogConfig{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	logger, err := NewLogger(LogConfig{Level: "info", File: path, MaxBackups: 1})
	require.NoError(t, err)

	logger.Info("written to file")
	logger.Debug("below level")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.NotContains(t, string(data), "below level")
}

func TestRotatingWriter_Defaults(t *testing.T) {
	w := RotatingWriter(LogConfig{File: "x.log"})
	assert.Equal(t, 100, w.MaxSize)
	assert.Equal(t, "x.log", w.Filename)
}
