package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	WhatsApp WhatsAppConfig
	Mpesa    MpesaConfig
	Hosted   HostedConfig
	Booking  BookingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings. Redis backs sessions
// and the tier reservation locks.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// WhatsAppConfig holds messaging platform credentials.
type WhatsAppConfig struct {
	APIBase       string `mapstructure:"WHATSAPP_API_BASE"`
	AccessToken   string `mapstructure:"WHATSAPP_ACCESS_TOKEN"`
	PhoneNumberID string `mapstructure:"WHATSAPP_PHONE_NUMBER_ID"`
	VerifyToken   string `mapstructure:"WHATSAPP_VERIFY_TOKEN"`
	BotPhone      string `mapstructure:"BOT_PHONE_NUMBER"`
}

// MpesaConfig holds the STK push provider credentials.
type MpesaConfig struct {
	PublishableKey string `mapstructure:"STK_PUBLISHABLE_KEY"`
	SecretKey      string `mapstructure:"STK_SECRET_KEY"`
	IsTest         bool   `mapstructure:"STK_IS_TEST"`
}

// HostedConfig holds the hosted-redirect (card) provider credentials.
type HostedConfig struct {
	BaseURL        string `mapstructure:"HOSTED_BASE_URL"`
	ConsumerKey    string `mapstructure:"HOSTED_CONSUMER_KEY"`
	ConsumerSecret string `mapstructure:"HOSTED_CONSUMER_SECRET"`
	CallbackURL    string `mapstructure:"HOSTED_CALLBACK_URL"`
}

// BookingConfig holds purchase-dialog tunables. SESSION_TTL is
// configured in whole seconds.
type BookingConfig struct {
	SessionTTL  time.Duration `mapstructure:"SESSION_TTL"`
	MaxQuantity int           `mapstructure:"MAX_QUANTITY"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "tikiti")
	viper.SetDefault("POSTGRES_PASSWORD", "tikiti_secret")
	viper.SetDefault("POSTGRES_DB", "tikiti_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("WHATSAPP_API_BASE", "https://graph.facebook.com/v19.0")
	viper.SetDefault("WHATSAPP_ACCESS_TOKEN", "")
	viper.SetDefault("WHATSAPP_PHONE_NUMBER_ID", "")
	viper.SetDefault("WHATSAPP_VERIFY_TOKEN", "")
	viper.SetDefault("BOT_PHONE_NUMBER", "")

	viper.SetDefault("STK_PUBLISHABLE_KEY", "")
	viper.SetDefault("STK_SECRET_KEY", "")
	viper.SetDefault("STK_IS_TEST", false)

	viper.SetDefault("HOSTED_BASE_URL", "https://pay.pesapal.com/v3")
	viper.SetDefault("HOSTED_CONSUMER_KEY", "")
	viper.SetDefault("HOSTED_CONSUMER_SECRET", "")
	viper.SetDefault("HOSTED_CALLBACK_URL", "")

	viper.SetDefault("SESSION_TTL", 600)
	viper.SetDefault("MAX_QUANTITY", 5)

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	cfg.WhatsApp = WhatsAppConfig{
		APIBase:       viper.GetString("WHATSAPP_API_BASE"),
		AccessToken:   viper.GetString("WHATSAPP_ACCESS_TOKEN"),
		PhoneNumberID: viper.GetString("WHATSAPP_PHONE_NUMBER_ID"),
		VerifyToken:   viper.GetString("WHATSAPP_VERIFY_TOKEN"),
		BotPhone:      viper.GetString("BOT_PHONE_NUMBER"),
	}

	cfg.Mpesa = MpesaConfig{
		PublishableKey: viper.GetString("STK_PUBLISHABLE_KEY"),
		SecretKey:      viper.GetString("STK_SECRET_KEY"),
		IsTest:         viper.GetBool("STK_IS_TEST"),
	}

	cfg.Hosted = HostedConfig{
		BaseURL:        viper.GetString("HOSTED_BASE_URL"),
		ConsumerKey:    viper.GetString("HOSTED_CONSUMER_KEY"),
		ConsumerSecret: viper.GetString("HOSTED_CONSUMER_SECRET"),
		CallbackURL:    viper.GetString("HOSTED_CALLBACK_URL"),
	}

	// SESSION_TTL is documented in seconds. GetDuration would read a
	// bare "600" as 600 nanoseconds, expiring every session instantly.
	cfg.Booking = BookingConfig{
		SessionTTL:  time.Duration(viper.GetInt("SESSION_TTL")) * time.Second,
		MaxQuantity: viper.GetInt("MAX_QUANTITY"),
	}

	return cfg, nil
}
