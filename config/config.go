package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig   `yaml:"database"`
	Kafka    KafkaConfig      `yaml:"kafka"`
	Redis    RedisConfig      `yaml:"redis"`
	Yard     YardLedgerConfig `yaml:"yardledger"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	TripCommittedTopicName  string `yaml:"trip_committed_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type YardLedgerConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// TTL кэша текущей позиции в redis; 0 выключает слой redis.
	CurrentTrackTTLSeconds int `yaml:"current_track_ttl_seconds"`

	// TTL advisory-блокировки вагона у координатора.
	MoveLockTTLSeconds int `yaml:"move_lock_ttl_seconds"`

	AuditorIntervalSeconds int    `yaml:"auditor_interval_seconds"`
	AuditorHTTPAddr        string `yaml:"auditor_http_addr"`
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
