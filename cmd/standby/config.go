package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jrife/standby/management"
	"github.com/jrife/standby/standby"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config is the standby's configuration file
type Config struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	Store                   string `yaml:"store"`
	RetainedGenerations     int    `yaml:"retainedGenerations"`
	Secure                  bool   `yaml:"secure"`
	ReadTimeoutMs           int    `yaml:"readTimeoutMs"`
	AutoClean               bool   `yaml:"autoClean"`
	SpoolFolder             string `yaml:"spoolFolder"`
	SSLKeyFile              string `yaml:"sslKeyFile"`
	SSLChainFile            string `yaml:"sslChainFile"`
	SSLServerSubjectPattern string `yaml:"sslServerSubjectPattern"`
	IntervalMs              int    `yaml:"intervalMs"`
	Workers                 int    `yaml:"workers"`
	Management              string `yaml:"management"`
	LogLevel                string `yaml:"logLevel"`
}

func defaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          8023,
		Store:         "standby.db",
		ReadTimeoutMs: 60000,
		AutoClean:     true,
		IntervalMs:    5000,
		Management:    ":8080",
		LogLevel:      "info",
	}
}

// loadConfig reads the config file at path over the defaults
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)

	if err != nil {
		return Config{}, fmt.Errorf("could not read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("could not parse config file %s: %w", path, err)
	}

	return config, nil
}

// parseArgs loads the config file named by -c and applies
// any flags given explicitly on top of it
func parseArgs(args []string) (Config, error) {
	flags := flag.NewFlagSet("standby", flag.ContinueOnError)
	path := flags.String("c", "", "config file path")
	host := flags.String("host", "", "primary host")
	port := flags.Int("port", 0, "primary port")
	store := flags.String("store", "", "local segment store path")
	interval := flags.Duration("interval", 0, "time between sync attempts")
	listen := flags.String("management", "", "management listen address")
	level := flags.String("log-level", "", "log level")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	config, err := loadConfig(*path)

	if err != nil {
		return Config{}, err
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			config.Host = *host
		case "port":
			config.Port = *port
		case "store":
			config.Store = *store
		case "interval":
			config.IntervalMs = int(interval.Milliseconds())
		case "management":
			config.Management = *listen
		case "log-level":
			config.LogLevel = *level
		}
	})

	if config.IntervalMs <= 0 {
		return Config{}, fmt.Errorf("interval must be positive: %dms", config.IntervalMs)
	}

	return config, nil
}

func (config Config) interval() time.Duration {
	return time.Duration(config.IntervalMs) * time.Millisecond
}

func (config Config) standbyConfig(store standby.Store, registry management.Registry, logger *zap.Logger) standby.Config {
	return standby.Config{
		Host:                    config.Host,
		Port:                    config.Port,
		Store:                   store,
		Secure:                  config.Secure,
		ReadTimeout:             time.Duration(config.ReadTimeoutMs) * time.Millisecond,
		AutoClean:               config.AutoClean,
		SpoolFolder:             config.SpoolFolder,
		SSLKeyFile:              config.SSLKeyFile,
		SSLChainFile:            config.SSLChainFile,
		SSLServerSubjectPattern: config.SSLServerSubjectPattern,
		Workers:                 config.Workers,
		Logger:                  logger,
		Management:              registry,
	}
}
