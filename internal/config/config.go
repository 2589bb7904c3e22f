package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	MinShard int
	MaxShard int

	HeartbeatInterval     time.Duration
	PresenceTTL           time.Duration // must be >= 2x heartbeat interval
	PresenceSweepInterval time.Duration

	OfferTTL           time.Duration
	OfferSweepInterval time.Duration
	OfferRetention     time.Duration
}

func Load() *Config {
	heartbeat := durationEnv("HEARTBEAT_INTERVAL_SECONDS", 30)
	presenceTTL := durationEnv("PRESENCE_TTL_SECONDS", 65)
	if presenceTTL < 2*heartbeat {
		presenceTTL = 2 * heartbeat
	}

	return &Config{
		Addr:                  getEnv("ADDR", ":8080"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		MinShard:              intEnv("MIN_SHARD", 1),
		MaxShard:              intEnv("MAX_SHARD", 12),
		HeartbeatInterval:     heartbeat,
		PresenceTTL:           presenceTTL,
		PresenceSweepInterval: durationEnv("PRESENCE_SWEEP_INTERVAL_SECONDS", 15),
		OfferTTL:              durationEnv("OFFER_TTL_SECONDS", 30),
		OfferSweepInterval:    durationEnv("OFFER_SWEEP_INTERVAL_SECONDS", 5),
		OfferRetention:        durationEnv("OFFER_RETENTION_SECONDS", 300),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func durationEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(intEnv(key, defaultSeconds)) * time.Second
}
