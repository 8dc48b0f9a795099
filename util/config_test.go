package util

import (
	"testing"
	"time"
)

func TestParseConf_Embedded(t *testing.T) {
	c, err := ParseConf(embeddedConfig)
	if err != nil {
		t.Fatalf("Embedded config should parse: %v", err)
	}
	if c.Conf.HttpPort != 9999 {
		t.Errorf("Expected httpPort 9999, got %d", c.Conf.HttpPort)
	}
	if c.Federation.QueueName != "activitypub:deliveries" {
		t.Errorf("Expected default queue name, got %s", c.Federation.QueueName)
	}
	if c.Redis.Addr != "" {
		t.Errorf("Expected empty redis addr by default, got %s", c.Redis.Addr)
	}
}

func TestParseConf_Invalid(t *testing.T) {
	if _, err := ParseConf([]byte("conf: [")); err == nil {
		t.Error("Expected error for malformed yaml")
	}
}

func TestFederationConfig_WithDefaults(t *testing.T) {
	f := FederationConfig{MaxRetries: 3}.WithDefaults()

	if f.MaxRetries != 3 {
		t.Errorf("Explicit value should be kept, got %d", f.MaxRetries)
	}
	if f.DeliveryWorkers != 4 {
		t.Errorf("Expected 4 workers, got %d", f.DeliveryWorkers)
	}
	if f.RequestTimeout() != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %v", f.RequestTimeout())
	}
	if f.Retention() != 7*24*time.Hour {
		t.Errorf("Expected 7 day retention, got %v", f.Retention())
	}
	if f.ConsumerGroup != "delivery-workers" {
		t.Errorf("Expected default consumer group, got %s", f.ConsumerGroup)
	}
	if f.StaleDelivery() != 5*time.Minute {
		t.Errorf("Expected 5m stale delivery lease, got %v", f.StaleDelivery())
	}

	slow := FederationConfig{RequestTimeoutSeconds: 600, StaleDeliverySeconds: 60}.WithDefaults()
	if slow.StaleDelivery() != 20*time.Minute {
		t.Errorf("Expected the lease to cover two request timeouts, got %v", slow.StaleDelivery())
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STEGOFED_SSLDOMAIN", "env.example")
	t.Setenv("STEGOFED_HTTPPORT", "8080")
	t.Setenv("STEGOFED_REDIS_ADDR", "localhost:6379")
	t.Setenv("STEGOFED_MAX_RETRIES", "not-a-number")

	c, err := ParseConf(embeddedConfig)
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}
	applyEnv(c)

	if c.Conf.SslDomain != "env.example" {
		t.Errorf("Expected env domain, got %s", c.Conf.SslDomain)
	}
	if c.Conf.HttpPort != 8080 {
		t.Errorf("Expected port 8080, got %d", c.Conf.HttpPort)
	}
	if c.Redis.Addr != "localhost:6379" {
		t.Errorf("Expected redis addr from env, got %s", c.Redis.Addr)
	}
	if c.Federation.MaxRetries != 5 {
		t.Errorf("Invalid env value should be ignored, got %d", c.Federation.MaxRetries)
	}
}
