package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Encoder   EncoderConfig   `mapstructure:"encoder"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Search    SearchConfig    `mapstructure:"search"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	// Driver selects "sqlite" (default) or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file location.
	Path string `mapstructure:"path"`
	// DSN is the PostgreSQL connection string when Driver is "postgres".
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type EncoderConfig struct {
	Model             string `mapstructure:"model"`
	CacheDir          string `mapstructure:"cache_dir"`
	UseGPU            bool   `mapstructure:"use_gpu"`
	DownloadRetries   int    `mapstructure:"download_retries"`
	PreprocessWorkers int    `mapstructure:"preprocess_workers"`
}

type ExtractorConfig struct {
	Workers            int           `mapstructure:"workers"`
	BatchSize          int           `mapstructure:"batch_size"`
	PaletteSize        int           `mapstructure:"palette_size"`
	SaveThreshold      int           `mapstructure:"save_threshold"`
	SaveInterval       time.Duration `mapstructure:"save_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

type SearchConfig struct {
	TopK      int     `mapstructure:"top_k"`
	MinScore  float32 `mapstructure:"min_score"`
	CacheSize int     `mapstructure:"cache_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/aurora.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("encoder.model", "clip-vit-b-32")
	v.SetDefault("encoder.cache_dir", "./data/models")
	v.SetDefault("encoder.use_gpu", false)
	v.SetDefault("encoder.download_retries", 3)
	v.SetDefault("encoder.preprocess_workers", 0) // 0 = derive from CPU count
	v.SetDefault("extractor.workers", 0)          // 0 = derive from CPU count
	v.SetDefault("extractor.batch_size", 200)
	v.SetDefault("extractor.palette_size", 8)
	v.SetDefault("extractor.save_threshold", 20)
	v.SetDefault("extractor.save_interval", 2*time.Second)
	v.SetDefault("extractor.checkpoint_interval", time.Minute)
	v.SetDefault("search.top_k", 50)
	v.SetDefault("search.min_score", 0.0)
	v.SetDefault("search.cache_size", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for deployment overrides
	v.BindEnv("database.driver", "AURORA_DB_DRIVER")
	v.BindEnv("database.path", "AURORA_DB_PATH")
	v.BindEnv("database.dsn", "AURORA_DB_DSN")
	v.BindEnv("encoder.model", "AURORA_ENCODER_MODEL")
	v.BindEnv("encoder.cache_dir", "AURORA_MODEL_CACHE")
	v.BindEnv("encoder.use_gpu", "AURORA_USE_GPU")
	v.BindEnv("extractor.workers", "AURORA_COLOR_WORKERS")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
