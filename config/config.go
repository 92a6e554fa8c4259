package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Web       WebConfig       `yaml:"web"`
	Messaging MessagingConfig `yaml:"messaging"`
	Factory   FactoryConfig   `yaml:"factory"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// LockTTL bounds how long a distributed batch lock may be held.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type WebConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
}

// MessagingConfig selects the broker backend and the topics used for
// inbound planning data and outbound material events.
type MessagingConfig struct {
	Backend             string        `yaml:"backend"` // "kafka" or "mqtt"
	Kafka               KafkaConfig   `yaml:"kafka"`
	MQTT                MQTTConfig    `yaml:"mqtt"`
	PlanTopic           string        `yaml:"plan_topic"`
	EventsTopic         string        `yaml:"events_topic"`
	LabelsTopic         string        `yaml:"labels_topic"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
	StationID           string        `yaml:"station_id"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "matflow.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "matflow",
				User:     "matflow",
				Password: "",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Address:  "localhost:6379",
			Password: "",
			DB:       0,
			LockTTL:  10 * time.Second,
		},
		Web: WebConfig{
			Host:          "0.0.0.0",
			Port:          8085,
			SessionSecret: "change-me-in-production",
		},
		Messaging: MessagingConfig{
			Backend: "kafka",
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "matflow",
			},
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "matflow",
			},
			PlanTopic:           "matflow.plan",
			EventsTopic:         "matflow.events",
			LabelsTopic:         "matflow.labels",
			OutboxDrainInterval: 5 * time.Second,
			StationID:           "matflow",
		},
		Factory: DefaultFactory(),
	}
}

func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Lock()   { c.mu.Lock() }
func (c *Config) Unlock() { c.mu.Unlock() }

// FactorySnapshot returns a copy of the factory settings taken under the
// read lock. Engine calls operate on the copy so a concurrent admin edit
// never changes policy halfway through a request.
func (c *Config) FactorySnapshot() FactoryConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Factory.Clone()
}

// SetFactory replaces the factory settings after validating them.
func (c *Config) SetFactory(f FactoryConfig) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.Factory = f.Clone()
	c.mu.Unlock()
	return nil
}
