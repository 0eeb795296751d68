package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talknote/ingest/common/config"
	"github.com/talknote/ingest/common/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Service:  config.ServiceConfig{Name: "test", Port: 8080},
		Database: config.DatabaseConfig{RecordStore: "memory"},
	}
}

func TestSetup_MemoryOnly(t *testing.T) {
	ctx := context.Background()
	c, err := Setup(ctx, "test", WithCustomConfig(memoryConfig()), WithCustomLogger(logger.Discard()))
	require.NoError(t, err)

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.Nil(t, c.Telemetry)
	assert.NoError(t, c.Health(ctx))
	assert.NoError(t, c.Shutdown(ctx))
}

func TestShutdown_RunsCleanupLIFO(t *testing.T) {
	ctx := context.Background()
	c, err := Setup(ctx, "test", WithCustomConfig(memoryConfig()), WithCustomLogger(logger.Discard()))
	require.NoError(t, err)

	var order []int
	c.AddCleanup(func() error { order = append(order, 1); return nil })
	c.AddCleanup(func() error { order = append(order, 2); return errors.New("boom") })
	c.AddCleanup(func() error { order = append(order, 3); return nil })

	err = c.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []int{3, 2, 1}, order)

	// Second shutdown is a no-op.
	assert.NoError(t, c.Shutdown(ctx))
	assert.Len(t, order, 3)
}
