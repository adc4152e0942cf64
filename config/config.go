package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Locations LocationsConfig `yaml:"locations"`
	TagBox    TagBoxConfig    `yaml:"tagbox"`
}

// DatabaseConfig with an empty Host selects the in-memory store.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	TagEventsTopicName     string `yaml:"tag_events_topic_name"`
	OwnerLocationTopicName string `yaml:"owner_location_topic_name"`
}

// RedisConfig with an empty Host disables caching and rate limiting.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LocationsConfig struct {
	Mode      string `yaml:"mode"` // "static" | "http"
	File      string `yaml:"file"`
	BaseURL   string `yaml:"base_url"`
	CacheSize int    `yaml:"cache_size"`
}

type TagBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	ActivationReward           int64 `yaml:"activation_reward"`
	ValidityDays               int   `yaml:"validity_days"`
	SerialLength               int   `yaml:"serial_length"`
	CapacityCacheTTLSeconds    int   `yaml:"capacity_cache_ttl_seconds"`
	ActivateRateLimitPerMinute int   `yaml:"activate_rate_limit_per_minute"`

	WorkerHTTPAddr             string `yaml:"worker_http_addr"`
	WorkerSweepIntervalSeconds int    `yaml:"worker_sweep_interval_seconds"`
	WorkerSweepBatchSize       int    `yaml:"worker_sweep_batch_size"`
}

func (c DatabaseConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
