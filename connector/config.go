package connector

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-connector/broker"
)

const (
	// RedeliveryFailOnFirst fails a message on its first redelivery
	RedeliveryFailOnFirst = 0
	// RedeliveryIgnore disables redelivery limits
	RedeliveryIgnore = -1
	// RedeliveryDelayUnset means no delay between redeliveries
	RedeliveryDelayUnset = -1

	// DefaultDrainTimeout bounds how long Stop and Dispose wait for deferred closes
	DefaultDrainTimeout = 20 * time.Second
)

// Config is the configuration surface consumed by the connector
type Config struct {
	Name       string `yaml:"name" mapstructure:"name"`
	ClientID   string `yaml:"client_id,omitempty" mapstructure:"client_id"`
	Username   string `yaml:"username,omitempty" mapstructure:"username"`
	Password   string `yaml:"password,omitempty" mapstructure:"password"`
	AckMode    string `yaml:"ack_mode" mapstructure:"ack_mode"`
	Durable    bool   `yaml:"durable" mapstructure:"durable"`
	NoLocal    bool   `yaml:"no_local" mapstructure:"no_local"`
	Persistent bool   `yaml:"persistent_delivery" mapstructure:"persistent_delivery"`

	HonorQoSHeaders bool `yaml:"honor_qos_headers" mapstructure:"honor_qos_headers"`

	MaxRedelivery          int           `yaml:"max_redelivery" mapstructure:"max_redelivery"`
	InitialRedeliveryDelay time.Duration `yaml:"initial_redelivery_delay" mapstructure:"initial_redelivery_delay"`
	MaximumRedeliveryDelay time.Duration `yaml:"maximum_redelivery_delay" mapstructure:"maximum_redelivery_delay"`

	// ConcurrentConsumers is the number of consumers each receiver runs.
	ConcurrentConsumers int  `yaml:"concurrent_consumers" mapstructure:"concurrent_consumers"`
	EagerConsumer       bool `yaml:"eager_consumer" mapstructure:"eager_consumer"`
	CacheSessions       bool `yaml:"cache_sessions" mapstructure:"cache_sessions"`
	EmbeddedMode        bool `yaml:"embedded_mode" mapstructure:"embedded_mode"`
	StartOnConnect      bool `yaml:"start_on_connect" mapstructure:"start_on_connect"`

	DrainTimeout time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout"`

	// FactoryProperties are applied to factories implementing broker.PropertyApplier.
	FactoryProperties map[string]any `yaml:"factory_properties,omitempty" mapstructure:"factory_properties"`
}

// DefaultConfig returns the defaults of a freshly constructed connector
func DefaultConfig() Config {
	return Config{
		Name:                   "connector",
		AckMode:                broker.AutoAcknowledge.String(),
		MaxRedelivery:          RedeliveryFailOnFirst,
		InitialRedeliveryDelay: RedeliveryDelayUnset,
		MaximumRedeliveryDelay: RedeliveryDelayUnset,
		ConcurrentConsumers:    4,
		EagerConsumer:          true,
		CacheSessions:          true,
		DrainTimeout:           DefaultDrainTimeout,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if _, err := broker.ParseAckMode(c.AckMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if c.MaxRedelivery < RedeliveryIgnore {
		return fmt.Errorf("%w: max redelivery must be >= %d", ErrInvalidConfiguration, RedeliveryIgnore)
	}
	if c.ConcurrentConsumers < 1 {
		return fmt.Errorf("%w: concurrent consumers must be at least 1", ErrInvalidConfiguration)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("%w: drain timeout must not be negative", ErrInvalidConfiguration)
	}
	if c.RedeliveryDelaysConfigured() && c.MaximumRedeliveryDelay < c.InitialRedeliveryDelay {
		return fmt.Errorf("%w: maximum redelivery delay below initial delay", ErrInvalidConfiguration)
	}
	return nil
}

// Ack returns the parsed acknowledgement mode
func (c Config) Ack() broker.AckMode {
	mode, _ := broker.ParseAckMode(c.AckMode)
	return mode
}

// RedeliveryDelaysConfigured reports whether both delay parameters are set
func (c Config) RedeliveryDelaysConfigured() bool {
	return c.InitialRedeliveryDelay > 0 && c.MaximumRedeliveryDelay > 0
}

// LoadConfig decodes YAML over the defaults
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return cfg, cfg.Validate()
}

// WriteYAML encodes the configuration with secrets masked
func (c Config) WriteYAML(w io.Writer) error {
	if c.Password != "" {
		c.Password = "***"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
