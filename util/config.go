package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "stegofed"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host            string
		HttpPort        int    `yaml:"httpPort"`
		SslDomain       string `yaml:"sslDomain"`
		DatabasePath    string `yaml:"databasePath"`
		NodeName        string `yaml:"nodeName"`
		NodeDescription string `yaml:"nodeDescription"`
		WithJournald    bool   `yaml:"withJournald"`
		WithPprof       bool   `yaml:"withPprof"`
	}
	Redis struct {
		Addr     string
		Password string
		DB       int `yaml:"db"`
	}
	Federation FederationConfig
}

// FederationConfig tunes the delivery pipeline
type FederationConfig struct {
	DeliveryWorkers        int    `yaml:"deliveryWorkers"`
	MaxRetries             int    `yaml:"maxRetries"`
	RequestTimeoutSeconds  int    `yaml:"requestTimeoutSeconds"`
	KeyFetchTimeoutSeconds int    `yaml:"keyFetchTimeoutSeconds"`
	RetryIntervalSeconds   int    `yaml:"retryIntervalSeconds"`
	CleanupIntervalSeconds int    `yaml:"cleanupIntervalSeconds"`
	RetentionDays          int    `yaml:"retentionDays"`
	StaleDeliverySeconds   int    `yaml:"staleDeliverySeconds"`
	QueueName              string `yaml:"queueName"`
	ConsumerGroup          string `yaml:"consumerGroup"`
}

// WithDefaults returns a copy with every zero value replaced by its default
func (f FederationConfig) WithDefaults() FederationConfig {
	if f.DeliveryWorkers <= 0 {
		f.DeliveryWorkers = 4
	}
	if f.MaxRetries <= 0 {
		f.MaxRetries = 5
	}
	if f.RequestTimeoutSeconds <= 0 {
		f.RequestTimeoutSeconds = 10
	}
	if f.KeyFetchTimeoutSeconds <= 0 {
		f.KeyFetchTimeoutSeconds = 5
	}
	if f.RetryIntervalSeconds <= 0 {
		f.RetryIntervalSeconds = 30
	}
	if f.CleanupIntervalSeconds <= 0 {
		f.CleanupIntervalSeconds = 3600
	}
	if f.RetentionDays <= 0 {
		f.RetentionDays = 7
	}
	if f.StaleDeliverySeconds <= 0 {
		f.StaleDeliverySeconds = 300
	}
	if floor := 2 * f.RequestTimeoutSeconds; f.StaleDeliverySeconds < floor {
		f.StaleDeliverySeconds = floor
	}
	if f.QueueName == "" {
		f.QueueName = "activitypub:deliveries"
	}
	if f.ConsumerGroup == "" {
		f.ConsumerGroup = "delivery-workers"
	}
	return f
}

func (f FederationConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSeconds) * time.Second
}

func (f FederationConfig) KeyFetchTimeout() time.Duration {
	return time.Duration(f.KeyFetchTimeoutSeconds) * time.Second
}

func (f FederationConfig) RetryInterval() time.Duration {
	return time.Duration(f.RetryIntervalSeconds) * time.Second
}

func (f FederationConfig) CleanupInterval() time.Duration {
	return time.Duration(f.CleanupIntervalSeconds) * time.Second
}

// StaleDelivery is how long a Pending or Processing record may sit untouched
// before the retry job assumes its queue message was lost
func (f FederationConfig) StaleDelivery() time.Duration {
	return time.Duration(f.StaleDeliverySeconds) * time.Second
}

func (f FederationConfig) Retention() time.Duration {
	return time.Duration(f.RetentionDays) * 24 * time.Hour
}

func ReadConf() (*AppConfig, error) {
	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	c, err := ParseConf(buf)
	if err != nil {
		return nil, err
	}
	applyEnv(c)
	c.Federation = c.Federation.WithDefaults()
	return c, nil
}

// ParseConf decodes a YAML configuration document
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("STEGOFED_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("STEGOFED_HTTPPORT"); v != "" {
		if port, err := strconv.Atoi(v); err != nil {
			log.Printf("Warning: invalid STEGOFED_HTTPPORT %q: %v", v, err)
		} else {
			c.Conf.HttpPort = port
		}
	}
	if v := os.Getenv("STEGOFED_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("STEGOFED_DATABASE"); v != "" {
		c.Conf.DatabasePath = v
	}
	if os.Getenv("STEGOFED_WITH_JOURNALD") == "true" {
		c.Conf.WithJournald = true
	}
	if v := os.Getenv("STEGOFED_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("STEGOFED_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("STEGOFED_DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Printf("Warning: invalid STEGOFED_DELIVERY_WORKERS %q: %v", v, err)
		} else {
			c.Federation.DeliveryWorkers = n
		}
	}
	if v := os.Getenv("STEGOFED_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err != nil {
			log.Printf("Warning: invalid STEGOFED_MAX_RETRIES %q: %v", v, err)
		} else {
			c.Federation.MaxRetries = n
		}
	}
}
