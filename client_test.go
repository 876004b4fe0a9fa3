package messaging

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("rejects invalid configuration", func(t *testing.T) {
		cfg := LoadConfig()
		cfg.ServiceName = ""

		client, err := NewClient(cfg)
		assert.Nil(t, client)
		assert.ErrorContains(t, err, "invalid messaging configuration")
	})

	t.Run("wires components without connecting", func(t *testing.T) {
		client, err := NewClient(LoadConfig(), WithLogger(slog.Default()))
		require.NoError(t, err)
		defer client.Close()

		assert.NotNil(t, client.Publisher())
		assert.False(t, client.Connected())
		assert.Len(t, client.HealthCheckers(), 2)
	})

	t.Run("opens a durable attempt store when configured", func(t *testing.T) {
		cfg := LoadConfig()
		cfg.AttemptStorePath = filepath.Join(t.TempDir(), "attempts.db")

		client, err := NewClient(cfg)
		require.NoError(t, err)
		assert.NoError(t, client.Close())
	})

	t.Run("dead-letter republish option", func(t *testing.T) {
		client, err := NewClient(LoadConfig(), WithDeadLetterRepublish(30*time.Second))
		require.NoError(t, err)
		defer client.Close()

		assert.True(t, client.republishFromDLQ)
		assert.Equal(t, 30*time.Second, client.republishDelay)
	})
}

func TestClientClose(t *testing.T) {
	client, err := NewClient(LoadConfig())
	require.NoError(t, err)

	// Close before any connection was made, then again.
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}

func TestClientStateListener(t *testing.T) {
	client, err := NewClient(LoadConfig())
	require.NoError(t, err)
	defer client.Close()

	// Registration alone must be side-effect free.
	client.OnConnectionStateChange(func(from, to string) {})
	assert.False(t, client.Connected())
}
