package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "log sink", mutate: func(c *Config) {}},
		{
			name:    "no database",
			mutate:  func(c *Config) { c.DatabaseURL = "" },
			wantErr: "database URL is required",
		},
		{
			name:   "kafka",
			mutate: func(c *Config) { c.Notify.Sink = SinkKafka },
		},
		{
			name: "kafka without topic",
			mutate: func(c *Config) {
				c.Notify.Sink = SinkKafka
				c.Kafka.Topic = ""
			},
			wantErr: "kafka sink needs brokers and a topic",
		},
		{
			name: "amqp without exchange",
			mutate: func(c *Config) {
				c.Notify.Sink = SinkAMQP
				c.AMQP.Exchange = ""
			},
			wantErr: "amqp sink needs a URL and an exchange",
		},
		{
			name:    "unknown sink",
			mutate:  func(c *Config) { c.Notify.Sink = "sms" },
			wantErr: `unknown notification sink "sms"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				DatabaseURL: "postgres://localhost/orders",
				Notify:      NotifyConfig{Sink: SinkLog},
				Kafka:       KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "order-notifications"},
				AMQP:        AMQPConfig{URL: "amqp://localhost/", Exchange: "order-notifications"},
			}
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestConfig_DeviceTokens(t *testing.T) {
	c := &Config{Notify: NotifyConfig{Tokens: map[string]string{
		"p1": "tok-a  tok-b",
		"p2": "",
	}}}

	got := c.DeviceTokens()
	assert.Equal(t, []string{"tok-a", "tok-b"}, got["p1"])
	assert.Empty(t, got["p2"])
	assert.NotContains(t, got, "p3")
}

func TestConfig_ApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/orders")
	t.Setenv("PORT", "9000")
	t.Setenv("REDIS_ADDR", "redis:6379")

	c := &Config{Addr: "0.0.0.0:8080"}
	c.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/orders", c.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9000", c.Addr)
	assert.Equal(t, "redis:6379", c.Redis.Addr)

	// Explicit settings win.
	c = &Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/orders"}
	c.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/orders", c.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", c.Addr)
}
