package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	JWT      JWTConfig       `mapstructure:"jwt"`
	Queue    QueueConfig     `mapstructure:"queue"`
	Features FeatureConfig   `mapstructure:"features"`
	Admin    AdminSeedConfig `mapstructure:"admin"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

// QueueConfig drives the matchmaking queue timing. Zero values fall back to
// the defaults in the match service.
type QueueConfig struct {
	LockTTL          time.Duration `mapstructure:"lockTTL"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
	EntryTTL         time.Duration `mapstructure:"entryTTL"` // hard expiry horizon
	MatcherInterval  time.Duration `mapstructure:"matcherInterval"`
	ReaperInterval   time.Duration `mapstructure:"reaperInterval"`
	CandidateLimit   int           `mapstructure:"candidateLimit"`
}

type FeatureConfig struct {
	SkipNetworkCheck bool `mapstructure:"skipNetworkCheck"`
}

type AdminSeedConfig struct {
	DefaultUsername string `mapstructure:"defaultUsername"`
	DefaultPassword string `mapstructure:"defaultPassword"`
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	GlobalConfig = &cfg
}
