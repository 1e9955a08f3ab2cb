package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewTeesExtraCores(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	log, err := New(Config{ServiceName: "flashinst", Debug: true, JSON: true, Cores: []zapcore.Core{core}})
	require.NoError(t, err)

	log.Debug("skipping bad block", zap.Int64("block", 3))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "skipping bad block", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(3), fields["block"])
	assert.Equal(t, "flashinst", fields["service"])
}

func TestLevel(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}
