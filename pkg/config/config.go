package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	DB         DBConfig         `mapstructure:"db"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Security   SecurityConfig   `mapstructure:"security"`
	Withdrawal WithdrawalConfig `mapstructure:"withdrawal"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Cron       CronConfig       `mapstructure:"cron"`
	Log        LogConfig        `mapstructure:"log"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// ExchangeConfig 母账户 (Master Account) 的 API 凭证与接入点
type ExchangeConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	StreamURL   string        `mapstructure:"stream_url"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	RecvWindow  int64         `mapstructure:"recv_window"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ReadRetries int           `mapstructure:"read_retries"`
}

type SecurityConfig struct {
	// CredentialPassphrase 用于派生子账户 API Secret 的加密密钥 (通常通过环境变量 SECURITY_CREDENTIAL_PASSPHRASE 传入)
	CredentialPassphrase string `mapstructure:"credential_passphrase"`
	CredentialSalt       string `mapstructure:"credential_salt"`
}

type WithdrawalConfig struct {
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	TransferRetries int           `mapstructure:"transfer_retries"`
	AlertTopic      string        `mapstructure:"alert_topic"`
}

type StreamConfig struct {
	// Mode: "asynq" 使用独立 worker 进程, "local" 在当前进程内运行 (ants 协程池)
	Mode        string `mapstructure:"mode"`
	Concurrency int    `mapstructure:"concurrency"`
	PoolSize    int    `mapstructure:"pool_size"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var Global Config

func Init() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// PostgresDSN 供 gorm 使用的 key=value 形式 DSN
func (c DBConfig) PostgresDSN() string {
	return "host=" + c.Host + " user=" + c.User + " password=" + c.Password +
		" dbname=" + c.Name + " port=" + c.Port + " sslmode=disable TimeZone=UTC"
}

// MigrateURL 供 golang-migrate 使用的 URL 形式 DSN
func (c DBConfig) MigrateURL() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.Name + "?sslmode=disable"
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.user", "subaccount_user")
	viper.SetDefault("db.password", "subaccount_password")
	viper.SetDefault("db.name", "subaccount_db")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("exchange.base_url", "https://api.binance.com")
	viper.SetDefault("exchange.stream_url", "wss://stream.binance.com:9443")
	viper.SetDefault("exchange.recv_window", 5000)
	viper.SetDefault("exchange.timeout", 10*time.Second)
	viper.SetDefault("exchange.read_retries", 3)

	viper.SetDefault("security.credential_salt", "subaccount-core")

	viper.SetDefault("withdrawal.lock_ttl", 2*time.Minute)
	viper.SetDefault("withdrawal.transfer_retries", 2)
	viper.SetDefault("withdrawal.alert_topic", "subaccount_alerts")

	viper.SetDefault("stream.mode", "asynq")
	viper.SetDefault("stream.concurrency", 10)
	viper.SetDefault("stream.pool_size", 64)

	viper.SetDefault("cron.enabled", true)

	viper.SetDefault("log.max_size_mb", 100)
	viper.SetDefault("log.max_backups", 7)
	viper.SetDefault("log.max_age_days", 30)
}
