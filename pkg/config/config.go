package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type BackendConfig struct {
	Endpoint string        `mapstructure:"ENDPOINT"`
	Token    string        `mapstructure:"TOKEN"`
	Timeout  time.Duration `mapstructure:"TIMEOUT"`
}

type RateConfig struct {
	FreePerBlock int64 `mapstructure:"FREE_PER_BLOCK"`
	ProPerBlock  int64 `mapstructure:"PRO_PER_BLOCK"`
}

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConn     int           `mapstructure:"MAX_OPEN_CONN"`
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
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Backends struct {
		Piano    BackendConfig `mapstructure:"PIANO"`
		Spleeter BackendConfig `mapstructure:"SPLEETER"`
		Yourmt3  BackendConfig `mapstructure:"YOURMT3"`
	} `mapstructure:"BACKENDS"`
	Pricing struct {
		BlockSeconds int64      `mapstructure:"BLOCK_SECONDS"`
		Piano        RateConfig `mapstructure:"PIANO"`
		Spleeter     RateConfig `mapstructure:"SPLEETER"`
		Yourmt3      RateConfig `mapstructure:"YOURMT3"`
	} `mapstructure:"PRICING"`
	Orchestrator struct {
		PollInterval   time.Duration `mapstructure:"POLL_INTERVAL"`
		JobDeadline    time.Duration `mapstructure:"JOB_DEADLINE"`
		SweepGrace     time.Duration `mapstructure:"SWEEP_GRACE"`
		MaxUploadBytes int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	} `mapstructure:"ORCHESTRATOR"`
	Payments struct {
		OrderTTL time.Duration `mapstructure:"ORDER_TTL"`
		Stripe   struct {
			CheckoutURL string `mapstructure:"CHECKOUT_URL"`
		} `mapstructure:"STRIPE"`
		Wechat struct {
			OrderURL string `mapstructure:"ORDER_URL"`
		} `mapstructure:"WECHAT"`
	} `mapstructure:"PAYMENTS"`
	WelcomeCredits int64 `mapstructure:"WELCOME_CREDITS"`
}

// WithDefaults fills zero values so a minimal config file still boots.
// Credit amounts are credit cents, 100 = 1.00 credit.
func (c *Config) WithDefaults() *Config {
	if c.Pricing.BlockSeconds == 0 {
		c.Pricing.BlockSeconds = 180
	}
	if c.Pricing.Piano.FreePerBlock == 0 {
		c.Pricing.Piano = RateConfig{FreePerBlock: 200, ProPerBlock: 150}
	}
	if c.Pricing.Spleeter.FreePerBlock == 0 {
		c.Pricing.Spleeter = RateConfig{FreePerBlock: 300, ProPerBlock: 225}
	}
	if c.Pricing.Yourmt3.FreePerBlock == 0 {
		c.Pricing.Yourmt3 = RateConfig{FreePerBlock: 400, ProPerBlock: 300}
	}
	if c.Orchestrator.PollInterval == 0 {
		c.Orchestrator.PollInterval = 10 * time.Second
	}
	if c.Orchestrator.JobDeadline == 0 {
		c.Orchestrator.JobDeadline = 5 * time.Minute
	}
	if c.Orchestrator.SweepGrace == 0 {
		c.Orchestrator.SweepGrace = 10 * time.Minute
	}
	if c.Orchestrator.MaxUploadBytes == 0 {
		c.Orchestrator.MaxUploadBytes = 50 << 20
	}
	if c.Payments.OrderTTL == 0 {
		c.Payments.OrderTTL = 30 * time.Minute
	}
	return c
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return cfg.WithDefaults()
}
