package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env         string           `yaml:"env" env-default:"local"`
	HTTPServer  HTTPServerConfig `yaml:"http_server"`
	PostgresCfg PostgresConfig   `yaml:"postgres"`
	RedisCfg    RedisConfig      `yaml:"redis"`
	NatsCfg     NatsConfig       `yaml:"nats"`
	OracleCfg   OracleConfig     `yaml:"oracle"`
	EngineCfg   EngineConfig     `yaml:"engine"`
}

type HTTPServerConfig struct {
	Address     string        `yaml:"address" env-default:":8080"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Db       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type NatsConfig struct {
	URL string `yaml:"url" env-default:"nats://localhost:4222"`
}

type OracleConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Endpoint     string        `yaml:"ticker_price_endpoint"`
	Symbols      []string      `yaml:"symbols"`
	PollInterval time.Duration `yaml:"poll_interval" env-default:"5s"`
}

type EngineConfig struct {
	// MaintenanceMarginRate and FeeRate are decimal strings so no float ever
	// touches margin math.
	MaintenanceMarginRate string `yaml:"maintenance_margin_rate" env-default:"0.005"`
	FeeRate               string `yaml:"fee_rate" env-default:"0.0005"`
	MonitorWorkers        int    `yaml:"monitor_workers" env-default:"0"`
}

func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config file is empty")
	}
	return MustLoadByPath(path)
}

func MustLoadByPath(path string) *Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found " + path)
	}

	var config Config
	if err := cleanenv.ReadConfig(path, &config); err != nil {
		panic("failed to read config " + err.Error())
	}

	return &config
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
