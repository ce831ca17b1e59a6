package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build(Options{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestBuildWithFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "fleet.log")
	logger, err := Build(Options{Level: "debug", File: file})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("test_message")
	assert.FileExists(t, file)
}

func TestForWorkerAddsIdentity(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ForWorker(zap.New(core), "acct-1", "w-1").Info("worker_started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "acct-1", fields["account_id"])
	assert.Equal(t, "w-1", fields["worker_id"])
}
