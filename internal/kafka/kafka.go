// Package kafka carries the SIEM's event stream: raw log events in
// from collectors, incident notices out to downstream responders. A
// single Config backs the producer, the consumer, and the admin
// client; sections a component does not need are ignored.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	siemerrors "sentinel-siem/internal/errors"
)

// Config describes one broker connection plus the per-topic knobs the
// pipeline uses.
type Config struct {
	Brokers       []string `json:"brokers" yaml:"brokers"`
	Topic         string   `json:"topic" yaml:"topic"`
	ConsumerGroup string   `json:"consumer_group" yaml:"consumer_group"`

	// Topic shape, used when the admin client creates topics.
	Partitions        int   `json:"partitions" yaml:"partitions"`
	ReplicationFactor int   `json:"replication_factor" yaml:"replication_factor"`
	RetentionMs       int64 `json:"retention_ms" yaml:"retention_ms"`

	// Compression: none, gzip, snappy, lz4, zstd.
	Compression string `json:"compression" yaml:"compression"`

	// SecurityProtocol: PLAINTEXT, SSL, SASL_PLAINTEXT, SASL_SSL.
	SecurityProtocol string `json:"security_protocol" yaml:"security_protocol"`

	// SASLMechanism: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512.
	SASLMechanism string `json:"sasl_mechanism,omitempty" yaml:"sasl_mechanism,omitempty"`
	SASLUsername  string `json:"sasl_username,omitempty" yaml:"sasl_username,omitempty"`
	SASLPassword  string `json:"sasl_password,omitempty" yaml:"sasl_password,omitempty"`

	TLSEnabled    bool   `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCAFile     string `json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
	TLSCertFile   string `json:"tls_cert_file,omitempty" yaml:"tls_cert_file,omitempty"`
	TLSKeyFile    string `json:"tls_key_file,omitempty" yaml:"tls_key_file,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`

	// Producer knobs.
	BatchSize    int           `json:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
	RequiredAcks int           `json:"required_acks" yaml:"required_acks"` // -1=all, 0=none, 1=leader

	// Consumer knobs.
	MinBytes       int           `json:"min_bytes" yaml:"min_bytes"`
	MaxBytes       int           `json:"max_bytes" yaml:"max_bytes"`
	MaxWait        time.Duration `json:"max_wait" yaml:"max_wait"`
	CommitInterval time.Duration `json:"commit_interval" yaml:"commit_interval"`
	StartOffset    int64         `json:"start_offset" yaml:"start_offset"` // -1=latest, -2=earliest
	SessionTimeout time.Duration `json:"session_timeout" yaml:"session_timeout"`

	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the streaming defaults for a local broker.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Topic:             "sentinel.events",
		ConsumerGroup:     "sentinel-pipeline",
		Partitions:        3,
		ReplicationFactor: 1,
		RetentionMs:       7 * 24 * 60 * 60 * 1000,
		Compression:       "lz4",
		SecurityProtocol:  "PLAINTEXT",
		BatchSize:         100,
		BatchTimeout:      10 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		RequiredAcks:      -1,
		MinBytes:          1,
		MaxBytes:          10 * 1024 * 1024,
		MaxWait:           500 * time.Millisecond,
		CommitInterval:    time.Second,
		StartOffset:       kafka.LastOffset,
		SessionTimeout:    30 * time.Second,
		DialTimeout:       10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

var (
	securityProtocols = map[string]bool{
		"PLAINTEXT": true, "SSL": true, "SASL_PLAINTEXT": true, "SASL_SSL": true,
	}
	saslMechanisms = map[string]bool{
		"PLAIN": true, "SCRAM-SHA-256": true, "SCRAM-SHA-512": true,
	}
)

// Validate rejects configs that could not reach a broker.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return siemerrors.InvalidInputf("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return siemerrors.InvalidInputf("kafka: topic is required")
	}
	if c.Partitions < 1 {
		return siemerrors.InvalidInputf("kafka: partitions must be at least 1")
	}
	if c.ReplicationFactor < 1 {
		return siemerrors.InvalidInputf("kafka: replication factor must be at least 1")
	}
	if !securityProtocols[c.SecurityProtocol] {
		return siemerrors.InvalidInputf("kafka: invalid security protocol %q", c.SecurityProtocol)
	}
	if c.useSASL() {
		if !saslMechanisms[c.SASLMechanism] {
			return siemerrors.InvalidInputf("kafka: invalid SASL mechanism %q", c.SASLMechanism)
		}
		if c.SASLUsername == "" || c.SASLPassword == "" {
			return siemerrors.InvalidInputf("kafka: SASL credentials are required for %s", c.SecurityProtocol)
		}
	}
	return nil
}

func (c *Config) useSASL() bool {
	return c.SecurityProtocol == "SASL_PLAINTEXT" || c.SecurityProtocol == "SASL_SSL"
}

func (c *Config) useTLS() bool {
	return c.TLSEnabled || c.SecurityProtocol == "SSL" || c.SecurityProtocol == "SASL_SSL"
}

// compression maps the config value to a kafka-go codec. Unknown
// values produce uncompressed messages.
func (c *Config) compression() kafka.Compression {
	switch c.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// dialer builds a broker dialer with TLS and SASL applied per the
// security protocol.
func (c *Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{
		Timeout:   c.DialTimeout,
		DualStack: true,
	}

	if c.useTLS() {
		tlsConfig, err := c.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: tls setup failed: %w", err)
		}
		d.TLS = tlsConfig
	}

	if c.useSASL() {
		mechanism, err := c.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: sasl setup failed: %w", err)
		}
		d.SASLMechanism = mechanism
	}

	return d, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLSSkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled; do not run this in production")
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("CA file contains no usable certificates")
		}
		cfg.RootCAs = pool
	}

	if c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", c.SASLMechanism)
	}
}
