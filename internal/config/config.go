package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type StorageConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	ArchiveDir string `mapstructure:"archive_dir"`
}

type WorkerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SyncWorkers      int           `mapstructure:"sync_workers"`
	TransformWorkers int           `mapstructure:"transform_workers"`
}

type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type ArchiveConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MinAge     time.Duration `mapstructure:"min_age"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Retention  time.Duration `mapstructure:"retention"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type Config struct {
	DatabaseURL string          `mapstructure:"database_url"`
	ServerPort  string          `mapstructure:"server_port"`
	JWTSecret   string          `mapstructure:"jwt_secret"`
	Storage     StorageConfig   `mapstructure:"storage"`
	Worker      WorkerConfig    `mapstructure:"worker"`
	Scheduler   SchedulerConfig `mapstructure:"scheduler"`
	Archive     ArchiveConfig   `mapstructure:"archive"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set in the config file")
	}
	if config.Storage.DataDir == "" {
		config.Storage.DataDir = "./data/staging"
	}
	if config.Storage.ArchiveDir == "" {
		config.Storage.ArchiveDir = "./data/archive"
	}
	if config.Worker.PollInterval == 0 {
		config.Worker.PollInterval = 2 * time.Second
	}
	if config.Worker.SyncWorkers == 0 {
		config.Worker.SyncWorkers = 2
	}
	if config.Worker.TransformWorkers == 0 {
		config.Worker.TransformWorkers = 2
	}
	if config.Scheduler.Interval == 0 {
		config.Scheduler.Interval = 30 * time.Second
	}

	return &config
}
