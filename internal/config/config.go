// Package config loads the changefeed service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lsm/changefeed/internal/cdc"
	"github.com/lsm/changefeed/internal/host"
	"github.com/lsm/changefeed/internal/kafka"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CHANGEFEED_CONFIG is unset. A missing file at the
// default path is not an error; the service then runs on defaults and
// environment overrides alone.
const DefaultPath = "/etc/changefeed/config.yaml"

// Environment variables.
const (
	EnvConfig       = "CHANGEFEED_CONFIG"
	EnvTopicPrefix  = "CHANGEFEED_TOPIC_PREFIX"
	EnvKafkaEnabled = "CHANGEFEED_KAFKA_ENABLED"
	EnvKafkaBrokers = "CHANGEFEED_KAFKA_BROKERS"
	EnvHostURL      = "CHANGEFEED_HOST_URL"
	EnvListenAddr   = "CHANGEFEED_LISTEN_ADDR"
	EnvMetricsAddr  = "CHANGEFEED_METRICS_ADDR"
)

var topicPrefixPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Config is the full service configuration.
type Config struct {
	TopicPrefix string        `yaml:"topicPrefix"`
	ListenAddr  string        `yaml:"listenAddr"`
	MetricsAddr string        `yaml:"metricsAddr"`
	LogLevel    string        `yaml:"logLevel"`
	Kafka       KafkaConfig   `yaml:"kafka"`
	Host        host.Config   `yaml:"host"`
	Catalog     CatalogConfig `yaml:"catalog"`
}

// KafkaConfig selects and configures the broker-backed publisher. When
// disabled, messages are kept in process memory.
type KafkaConfig struct {
	Enabled           bool                `yaml:"enabled"`
	ReplicationFactor int16               `yaml:"replicationFactor"`
	Cluster           kafka.ClusterConfig `yaml:"cluster"`
}

// CatalogConfig names the resource types the snapshot exporter walks. File
// takes precedence and is watched for changes.
type CatalogConfig struct {
	File          string   `yaml:"file,omitempty"`
	ResourceTypes []string `yaml:"resourceTypes,omitempty"`
}

// Default returns the configuration used for every field a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		TopicPrefix: cdc.DefaultTopicPrefix,
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		LogLevel:    "info",
		Kafka: KafkaConfig{
			Enabled:           true,
			ReplicationFactor: kafka.DefaultReplicationFactor,
			Cluster:           kafka.ClusterConfig{ClientID: "changefeed"},
		},
		Host: host.Config{
			BaseURL: "http://localhost:8080/fhir",
			Timeout: 30 * time.Second,
		},
	}
}

// Path returns the config file path from CHANGEFEED_CONFIG or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvTopicPrefix); v != "" {
		c.TopicPrefix = v
	}
	if v := os.Getenv(EnvKafkaEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvKafkaEnabled, err)
		}
		c.Kafka.Enabled = enabled
	}
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Cluster.Brokers = brokers
	}
	if v := os.Getenv(EnvHostURL); v != "" {
		c.Host.BaseURL = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
	return nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if !topicPrefixPattern.MatchString(c.TopicPrefix) {
		errs = append(errs, fmt.Errorf("topicPrefix %q must match %s", c.TopicPrefix, topicPrefixPattern))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listenAddr is required"))
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka.cluster: %w", err))
		}
		if rf := c.Kafka.ReplicationFactor; rf == 0 || rf < -1 {
			errs = append(errs, fmt.Errorf("kafka.replicationFactor %d must be positive or -1", rf))
		}
	}

	if err := c.Host.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("host: %w", err))
	}

	if c.Catalog.File == "" && len(c.Catalog.ResourceTypes) == 0 {
		errs = append(errs, errors.New("catalog.file or catalog.resourceTypes is required"))
	}

	return errors.Join(errs...)
}
