// Package config loads the runtime-tunable limits and connection
// settings via viper, with environment-variable overrides.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime-tunable value named in the environment
// contract.
type Config struct {
	SaveDelay                 time.Duration
	CompactionAge             time.Duration
	MaxConnectionsPerDocument int
	MaxTotalConnections       int
	MaxCachedRooms            int
	MaxMessageBytes           int
	MaxPersistedBytes         int
	SnapshotCompressThreshold int

	ListenAddress string

	RedisAddress  string
	RedisPassword string
	RedisDatabase int

	JWTSecret string

	Environment string
}

func defaults(v *viper.Viper) {
	v.SetDefault("saveDelay", "5s")
	v.SetDefault("compactionAge", "5m")
	v.SetDefault("maxConnectionsPerDocument", 50)
	v.SetDefault("maxTotalConnections", 500)
	v.SetDefault("maxCachedRooms", 20)
	v.SetDefault("maxMessageBytes", 1_048_576)
	v.SetDefault("maxPersistedBytes", 5_242_880)
	v.SetDefault("snapshotCompressThreshold", 10*1024)
	v.SetDefault("listenAddress", ":8080")
	v.SetDefault("redisAddress", "localhost:6379")
	v.SetDefault("redisDatabase", 0)
	v.SetDefault("environment", "development")
}

// Load builds a Config from defaults overridden by environment
// variables named MDCOLLAB_ plus the upper-cased key
// (MDCOLLAB_SAVEDELAY, MDCOLLAB_REDISADDRESS, ...).
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("mdcollab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"saveDelay", "compactionAge", "maxConnectionsPerDocument", "maxTotalConnections",
		"maxCachedRooms", "maxMessageBytes", "maxPersistedBytes", "snapshotCompressThreshold",
		"listenAddress", "redisAddress", "redisPassword", "redisDatabase", "jwtSecret", "environment",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		SaveDelay:                 v.GetDuration("saveDelay"),
		CompactionAge:             v.GetDuration("compactionAge"),
		MaxConnectionsPerDocument: v.GetInt("maxConnectionsPerDocument"),
		MaxTotalConnections:       v.GetInt("maxTotalConnections"),
		MaxCachedRooms:            v.GetInt("maxCachedRooms"),
		MaxMessageBytes:           v.GetInt("maxMessageBytes"),
		MaxPersistedBytes:         v.GetInt("maxPersistedBytes"),
		SnapshotCompressThreshold: v.GetInt("snapshotCompressThreshold"),
		ListenAddress:             v.GetString("listenAddress"),
		RedisAddress:              v.GetString("redisAddress"),
		RedisPassword:             v.GetString("redisPassword"),
		RedisDatabase:             v.GetInt("redisDatabase"),
		JWTSecret:                 v.GetString("jwtSecret"),
		Environment:               v.GetString("environment"),
	}
	return cfg, nil
}
