package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration for the workflow manager.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	NATS struct {
		URL           string `mapstructure:"url"`
		SubjectPrefix string `mapstructure:"subject_prefix"`
		QueueGroup    string `mapstructure:"queue_group"`
	} `mapstructure:"nats"`
	Metadata struct {
		URL         string        `mapstructure:"url"`
		Token       string        `mapstructure:"token"`
		Timeout     time.Duration `mapstructure:"timeout"`
		Concurrency int           `mapstructure:"concurrency"`
	} `mapstructure:"metadata"`
	HTTP struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"http"`
	Workers   int    `mapstructure:"workers"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// envBindings keeps the DB_* names used by the migrate tool and the test
// harness.
var envBindings = map[string]string{
	"db.host":              "DB_HOST",
	"db.port":              "DB_PORT",
	"db.user":              "DB_USERNAME",
	"db.password":          "DB_PASSWORD",
	"db.name":              "DB_NAME",
	"db.sslmode":           "DB_SSLMODE",
	"nats.url":             "NATS_URL",
	"nats.subject_prefix":  "NATS_SUBJECT_PREFIX",
	"nats.queue_group":     "NATS_QUEUE_GROUP",
	"metadata.url":         "METADATA_URL",
	"metadata.token":       "METADATA_TOKEN",
	"metadata.timeout":     "METADATA_TIMEOUT",
	"metadata.concurrency": "METADATA_CONCURRENCY",
	"http.port":            "HTTP_PORT",
	"workers":              "WORKERS",
	"log_level":            "LOG_LEVEL",
	"log_format":           "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("nats.subject_prefix", "orcabus.workflowmanager")
	v.SetDefault("nats.queue_group", "workflowmanager")
	v.SetDefault("metadata.timeout", 10*time.Second)
	v.SetDefault("metadata.concurrency", 8)
	v.SetDefault("http.port", "8080")
	v.SetDefault("workers", 0)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")
}

// Load reads .env (if present), then an optional config.yaml from the working
// directory or ./config, then the environment. Later sources win.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return &cfg, nil
}

// DSN returns the Postgres connection string, or an error when the database
// settings are incomplete.
func (c *Config) DSN() (string, error) {
	if c.DB.User == "" || c.DB.Name == "" || c.DB.Host == "" {
		return "", errors.New("incomplete database config: DB_USERNAME, DB_NAME and DB_HOST are required")
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + c.DB.SSLMode,
	}
	return u.String(), nil
}
