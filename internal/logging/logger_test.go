// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestNew covers both encoders and explicit levels.
func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		enabled zapcore.Level
		muted   zapcore.Level
		wantErr bool
	}{
		{name: "development", cfg: Config{Development: true}, enabled: zapcore.DebugLevel, muted: zapcore.DebugLevel},
		{name: "production", cfg: Config{}, enabled: zapcore.InfoLevel, muted: zapcore.DebugLevel},
		{name: "explicit level", cfg: Config{Level: "warn"}, enabled: zapcore.WarnLevel, muted: zapcore.InfoLevel},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, logger.Core().Enabled(tc.enabled))
			if tc.muted != tc.enabled {
				require.False(t, logger.Core().Enabled(tc.muted))
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush
		})
	}
}

// TestForSpider checks the spider and session fields are attached.
func TestForSpider(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	ForSpider(zap.New(core), "pagewatch", "s-1").Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "spider", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	require.Equal(t, "pagewatch", fields["spider"])
	require.Equal(t, "s-1", fields["session"])

	require.NotNil(t, ForSpider(nil, "x", "y"))
}
