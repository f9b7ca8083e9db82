// Package config loads the service's YAML configuration with per-field
// environment-variable fallbacks, generalizing the teacher's
// config.Config/ServerConfig "config -> env -> default" pattern to the
// keys the marker fan-out service needs.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Batch    BatchConfig    `yaml:"batch"`
	Session  SessionConfig  `yaml:"session"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ListenConfig struct {
	Port int `yaml:"port" env:"LISTEN_PORT"`
}

type UpstreamConfig struct {
	EventsURL string `yaml:"events_url" env:"UPSTREAM_EVENTS_URL"`
}

type PubSubConfig struct {
	Host     string `yaml:"host" env:"PUBSUB_HOST"`
	Port     int    `yaml:"port" env:"PUBSUB_PORT"`
	Password string `yaml:"password" env:"PUBSUB_PASSWORD"`
}

type BatchConfig struct {
	IntervalMS int `yaml:"interval_ms" env:"BATCH_INTERVAL_MS"`
}

type SessionConfig struct {
	IdleTimeoutSec   int `yaml:"idle_timeout_sec" env:"IDLE_TIMEOUT_SEC"`
	OutboundQueueCap int `yaml:"outbound_queue_cap" env:"OUTBOUND_QUEUE_CAP"`
	HydrateRetries   int `yaml:"hydrate_retries" env:"HYDRATE_RETRIES"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Defaults returns a Config populated with the values named in the spec.
func Defaults() Config {
	return Config{
		Listen:   ListenConfig{Port: 8080},
		Upstream: UpstreamConfig{EventsURL: ""},
		PubSub:   PubSubConfig{Host: "127.0.0.1", Port: 4222},
		Batch:    BatchConfig{IntervalMS: 50},
		Session:  SessionConfig{IdleTimeoutSec: 300, OutboundQueueCap: 256, HydrateRetries: 5},
		Redis:    RedisConfig{Addr: "127.0.0.1:6379", DB: 0},
	}
}

// Load reads a YAML config file (if path is non-empty or MARKERSERVER_CONFIG
// is set), then applies environment-variable overrides for every field
// tagged with `env:"..."`, falling back to Defaults() for anything unset.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("MARKERSERVER_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides mirrors the teacher's getPortWithEnvFallback helper,
// generalized to every configuration field named in §6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = p
		}
	}
	if v := os.Getenv("UPSTREAM_EVENTS_URL"); v != "" {
		cfg.Upstream.EventsURL = v
	}
	if v := os.Getenv("PUBSUB_HOST"); v != "" {
		cfg.PubSub.Host = v
	}
	if v := os.Getenv("PUBSUB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.PubSub.Port = p
		}
	}
	if v := os.Getenv("PUBSUB_PASSWORD"); v != "" {
		cfg.PubSub.Password = v
	}
	if v := os.Getenv("BATCH_INTERVAL_MS"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Batch.IntervalMS = p
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT_SEC"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Session.IdleTimeoutSec = p
		}
	}
	if v := os.Getenv("OUTBOUND_QUEUE_CAP"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Session.OutboundQueueCap = p
		}
	}
	if v := os.Getenv("HYDRATE_RETRIES"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Session.HydrateRetries = p
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = p
		}
	}
}

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Batch.IntervalMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSec) * time.Second
}

func (c *Config) PubSubURL() string {
	if c.PubSub.Host == "" {
		return ""
	}
	return "nats://" + c.PubSub.Host + ":" + strconv.Itoa(c.PubSub.Port)
}
