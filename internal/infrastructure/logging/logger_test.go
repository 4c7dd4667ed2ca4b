package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewBuildsLogger(t *testing.T) {
	logger, err := New(Config{Level: "warn", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "info", DefaultConfig().Level)
	assert.True(t, DevelopmentConfig().Development)
	assert.NotNil(t, NewDefault())
	assert.NotNil(t, NewNop().Component("platform"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}

func TestFieldKeys(t *testing.T) {
	assert.Equal(t, "isolate_id", IsolateID("iso_1").Key)
	assert.Equal(t, "env_id", EnvID("env_1").Key)
	assert.Equal(t, "thread_id", ThreadID(3).Key)
	assert.Equal(t, "module", Module("events").Key)
}
