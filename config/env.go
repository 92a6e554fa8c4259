package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment when one exists.
// Variables already set in the environment win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays secrets and deployment overrides from MATFLOW_*
// variables so they never need to live in the YAML file.
func (c *Config) ApplyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v := os.Getenv("MATFLOW_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("MATFLOW_DB_PASSWORD"); v != "" {
		c.Database.Postgres.Password = v
	}
	if v := os.Getenv("MATFLOW_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv("MATFLOW_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MATFLOW_SESSION_SECRET"); v != "" {
		c.Web.SessionSecret = v
	}
	if v := os.Getenv("MATFLOW_KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Messaging.Kafka.Brokers = brokers
	}
}
