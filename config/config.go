package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the engine's tunable settings.
type Config struct {
	Engine struct {
		SampleInterval     time.Duration `mapstructure:"sample_interval"`
		IdleSessionTimeout time.Duration `mapstructure:"idle_session_timeout"`
		SweepInterval      time.Duration `mapstructure:"sweep_interval"`
		EventBufferSize    int           `mapstructure:"event_buffer_size"`
		DefaultMaxRetries  int           `mapstructure:"default_max_retries"`
		DefaultRetryDelay  time.Duration `mapstructure:"default_retry_delay"`
	} `mapstructure:"engine"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
}

// Load reads configuration from config.yaml (working dir or ./config)
// and the environment. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("procflow")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.sample_interval", 5*time.Second)
	v.SetDefault("engine.idle_session_timeout", 30*time.Minute)
	v.SetDefault("engine.sweep_interval", time.Minute)
	v.SetDefault("engine.event_buffer_size", 100)
	v.SetDefault("engine.default_max_retries", 3)
	v.SetDefault("engine.default_retry_delay", time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}
