// Package kafka publishes data block field changes to Kafka clusters.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"dblink/config"
)

// SASL mechanism names accepted in the cluster configuration.
const (
	SASLPlain       = "PLAIN"
	SASLSCRAMSHA256 = "SCRAM-SHA-256"
	SASLSCRAMSHA512 = "SCRAM-SHA-512"
)

// TopicRoot builds the base topic for a namespace and optional selector.
// Kafka topic segments are joined with dots.
func TopicRoot(namespace, selector string) string {
	if namespace == "" {
		namespace = "dblink"
	}
	if selector != "" {
		return namespace + "." + selector
	}
	return namespace
}

// tlsConfigFor returns a TLS configuration if TLS is enabled for the cluster.
func tlsConfigFor(cfg *config.KafkaConfig) *tls.Config {
	if !cfg.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: cfg.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// saslFor returns the configured SASL mechanism, or nil when no username is set.
// An unrecognized mechanism name falls back to PLAIN.
func saslFor(cfg *config.KafkaConfig) sasl.Mechanism {
	if cfg.Username == "" {
		return nil
	}

	switch strings.ToUpper(cfg.SASLMechanism) {
	case SASLSCRAMSHA256:
		mechanism, _ := scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
		return mechanism
	case SASLSCRAMSHA512:
		mechanism, _ := scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
		return mechanism
	default:
		return plain.Mechanism{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
}

// autoCreateTopics reports whether the cluster should auto-create topics on
// first produce. Defaults to true when unset.
func autoCreateTopics(cfg *config.KafkaConfig) bool {
	if cfg.AutoCreateTopics == nil {
		return true
	}
	return *cfg.AutoCreateTopics
}

// defaultRetryBackoff is the base delay between produce retry attempts.
const defaultRetryBackoff = 100 * time.Millisecond

// retrySettings returns the retry count and backoff with defaults applied.
func retrySettings(cfg *config.KafkaConfig) (int, time.Duration) {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	return retries, backoff
}
