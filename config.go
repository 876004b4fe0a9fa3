package messaging

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/viper"

	"github.com/maksmelnyk/messaging/internal/rabbitmq"
	"github.com/maksmelnyk/messaging/internal/reliability"
)

// Config is the messaging layer's full configuration surface. All
// values come from RABBITMQ_* environment keys with deployment-safe
// defaults; interval-style keys are expressed in milliseconds, the
// unit the platform manifests use.
type Config struct {
	Host        string
	Port        int
	VirtualHost string
	Username    string
	Password    string

	// ServiceName names this service on the wire (source header) and
	// derives its queue names.
	ServiceName string

	Exchange           string
	DeadLetterExchange string

	// MessageTTL expires unconsumed messages into the dead-letter
	// exchange.
	MessageTTL time.Duration

	// RetryCount bounds both connection attempts and delivery
	// attempts per message.
	RetryCount           int
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	RetryMultiplier      float64

	PrefetchCount         int
	PublishConfirmTimeout time.Duration
	ConcurrentConsumers   int
	ShutdownGracePeriod   time.Duration

	// AttemptStorePath, when set, stores delivery attempt counts in a
	// SQLite file that survives restarts. Empty keeps them in memory.
	AttemptStorePath string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() Config {
	v := viper.New()
	v.SetEnvPrefix("rabbitmq")
	v.AutomaticEnv()

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 5672)
	v.SetDefault("vhost", "/")
	v.SetDefault("user", "guest")
	v.SetDefault("pass", "guest")
	v.SetDefault("service_name", "service")
	v.SetDefault("exchange", "events")
	v.SetDefault("dlq_exchange", "events.dlx")
	v.SetDefault("message_ttl", 30000)
	v.SetDefault("retry_count", 3)
	v.SetDefault("initial_retry_interval", 1000)
	v.SetDefault("max_retry_interval", 10000)
	v.SetDefault("retry_multiplier", 2.0)
	v.SetDefault("prefetch_count", 10)
	v.SetDefault("publish_confirm_timeout", 5000)
	v.SetDefault("concurrent_consumers", 3)
	v.SetDefault("shutdown_grace_period", 15000)
	v.SetDefault("attempt_store", "")

	return Config{
		Host:                  v.GetString("host"),
		Port:                  v.GetInt("port"),
		VirtualHost:           v.GetString("vhost"),
		Username:              v.GetString("user"),
		Password:              v.GetString("pass"),
		ServiceName:           v.GetString("service_name"),
		Exchange:              v.GetString("exchange"),
		DeadLetterExchange:    v.GetString("dlq_exchange"),
		MessageTTL:            time.Duration(v.GetInt("message_ttl")) * time.Millisecond,
		RetryCount:            v.GetInt("retry_count"),
		InitialRetryInterval:  time.Duration(v.GetInt("initial_retry_interval")) * time.Millisecond,
		MaxRetryInterval:      time.Duration(v.GetInt("max_retry_interval")) * time.Millisecond,
		RetryMultiplier:       v.GetFloat64("retry_multiplier"),
		PrefetchCount:         v.GetInt("prefetch_count"),
		PublishConfirmTimeout: time.Duration(v.GetInt("publish_confirm_timeout")) * time.Millisecond,
		ConcurrentConsumers:   v.GetInt("concurrent_consumers"),
		ShutdownGracePeriod:   time.Duration(v.GetInt("shutdown_grace_period")) * time.Millisecond,
		AttemptStorePath:      v.GetString("attempt_store"),
	}
}

// Validate checks the configuration before any broker work starts.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Username, validation.Required),
		validation.Field(&c.ServiceName, validation.Required),
		validation.Field(&c.Exchange, validation.Required),
		validation.Field(&c.DeadLetterExchange, validation.Required),
		validation.Field(&c.RetryCount, validation.Required, validation.Min(1)),
		validation.Field(&c.InitialRetryInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxRetryInterval, validation.Required, validation.Min(c.InitialRetryInterval)),
		validation.Field(&c.RetryMultiplier, validation.Required, validation.Min(1.0)),
		validation.Field(&c.PrefetchCount, validation.Required, validation.Min(1)),
		validation.Field(&c.PublishConfirmTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ConcurrentConsumers, validation.Required, validation.Min(1)),
	)
}

// URI renders the broker connection string with proper escaping of
// credentials and vhost.
func (c Config) URI() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}
	return uri.String()
}

// QueueName derives the service's primary consume queue.
func (c Config) QueueName() string {
	return c.ServiceName + "-queue"
}

// DeadLetterQueueName derives the dead-letter queue.
func (c Config) DeadLetterQueueName() string {
	return c.DeadLetterExchange + "-queue"
}

func (c Config) retryPolicy() reliability.Policy {
	return reliability.NewPolicy(
		c.InitialRetryInterval,
		c.MaxRetryInterval,
		c.RetryMultiplier,
		c.RetryCount,
	)
}

func (c Config) topology(routingKeys []string) rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:           c.Exchange,
		DeadLetterExchange: c.DeadLetterExchange,
		Queue:              c.QueueName(),
		DeadLetterQueue:    c.DeadLetterQueueName(),
		RoutingKeys:        routingKeys,
		MessageTTLMillis:   c.MessageTTL.Milliseconds(),
	}
}
