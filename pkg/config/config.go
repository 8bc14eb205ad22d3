package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv  string `mapstructure:"APP_ENV"`
	AppName string `mapstructure:"APP_NAME"`

	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBName         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	Worker struct {
		PollInterval    time.Duration `mapstructure:"POLL_INTERVAL"`
		BackoffBase     time.Duration `mapstructure:"BACKOFF_BASE"`
		BackoffCap      int           `mapstructure:"BACKOFF_CAP"`
		MaxQuoteRetries int           `mapstructure:"MAX_QUOTE_RETRIES"`
		MaxSendRetries  int           `mapstructure:"MAX_SEND_RETRIES"`
	} `mapstructure:"WORKER"`

	Quote struct {
		Lifespan time.Duration `mapstructure:"LIFESPAN"`
		Slippage float64       `mapstructure:"SLIPPAGE"`
	} `mapstructure:"QUOTE"`

	Withdrawal struct {
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"WITHDRAWAL"`

	// Prices maps asset codes to a reference price; used by the static
	// price provider when no external source is configured.
	Prices map[string]float64 `mapstructure:"PRICES"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

// LoadConfig reads config.yaml (if present) merged with environment
// variables, then fills in operational defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/paynode")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		zap.L().Warn("[Config] no config file found, using environment only")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.AppName == "" {
		cfg.AppName = "paynode"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = 500 * time.Millisecond
	}
	if cfg.Worker.BackoffBase <= 0 {
		cfg.Worker.BackoffBase = 5 * time.Second
	}
	if cfg.Worker.BackoffCap <= 0 {
		cfg.Worker.BackoffCap = 6
	}
	if cfg.Worker.MaxQuoteRetries <= 0 {
		cfg.Worker.MaxQuoteRetries = 5
	}
	if cfg.Worker.MaxSendRetries <= 0 {
		cfg.Worker.MaxSendRetries = 5
	}
	if cfg.Quote.Lifespan <= 0 {
		cfg.Quote.Lifespan = 5 * time.Minute
	}
	if cfg.Quote.Slippage <= 0 {
		cfg.Quote.Slippage = 0.01
	}
	if cfg.Withdrawal.Timeout <= 0 {
		cfg.Withdrawal.Timeout = 60 * time.Second
	}
}
