package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		mult    float64
		attempt int
		want    time.Duration
	}{
		{"first retry", 100 * time.Millisecond, 2, 0, 100 * time.Millisecond},
		{"second retry", 100 * time.Millisecond, 2, 1, 200 * time.Millisecond},
		{"fourth retry", 100 * time.Millisecond, 2, 3, 800 * time.Millisecond},
		{"gentle multiplier", time.Second, 1.5, 2, 2250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryDelay(tt.base, tt.mult, tt.attempt))
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{
		config: &Config{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	assert.False(t, c.IsConnected())
	assert.Error(t, c.PublishWithRetry(context.Background(), []byte(`{}`), "application/json"))

	_, err := c.Consume("worker-1")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConfig_URI(t *testing.T) {
	tests := []struct {
		name      string
		vhost     string
		wantVhost string
	}{
		{"default vhost", "/", "/"},
		{"empty vhost", "", "/"},
		{"named vhost", "/testrun", "testrun"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Host: "rabbit.internal", Port: 5673, User: "worker", Password: "secret", VHost: tt.vhost}

			uri, err := amqp.ParseURI(cfg.URI())
			require.NoError(t, err)
			assert.Equal(t, "rabbit.internal", uri.Host)
			assert.Equal(t, 5673, uri.Port)
			assert.Equal(t, "worker", uri.Username)
			assert.Equal(t, "secret", uri.Password)
			assert.Equal(t, tt.wantVhost, uri.Vhost)
		})
	}
}

func TestQueueArgs(t *testing.T) {
	assert.Nil(t, queueArgs(&Config{}))
	assert.Equal(t, int64(60000), queueArgs(&Config{MessageTTL: time.Minute})["x-message-ttl"])
}
