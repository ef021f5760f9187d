package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	transportWebSocket   = "websocket"
	transportLongPolling = "long-polling"
)

// config holds everything bayeuxcat needs to open a session. Flags override
// values loaded from the file.
type config struct {
	Endpoint           string            `yaml:"endpoint"`
	Transport          string            `yaml:"transport"`
	Channels           []string          `yaml:"channels"`
	Headers            map[string]string `yaml:"headers"`
	AccessToken        string            `yaml:"access_token"`
	TokenInExt         bool              `yaml:"token_in_ext"`
	Ext                map[string]any    `yaml:"ext"`
	Buffer             int               `yaml:"buffer"`
	MaxConnectAttempts int               `yaml:"max_connect_attempts"`
	MaxNetworkDelay    time.Duration     `yaml:"max_network_delay"`
	LogLevel           string            `yaml:"log_level"`
	LogFormat          string            `yaml:"log_format"`
	MetricsAddr        string            `yaml:"metrics_addr"`
	Replay             replayConfig      `yaml:"replay"`
}

type replayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	// DefaultID is sent for channels without a stored id; -1 asks for new
	// events only and -2 for everything retained
	DefaultID *int64 `yaml:"default_id"`
}

func defaultConfig() config {
	return config{
		Transport:          transportWebSocket,
		Buffer:             100,
		MaxConnectAttempts: 5,
		MaxNetworkDelay:    10 * time.Second,
		LogLevel:           "error",
		LogFormat:          "text",
	}
}

// loadFile populates c from a YAML file. Fields absent from the file keep
// their current value.
func (c *config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func (c *config) validate() error {
	if c.Endpoint == "" {
		return errors.New("an endpoint is required")
	}
	switch c.Transport {
	case transportWebSocket, transportLongPolling:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, transportWebSocket, transportLongPolling)
	}
	if c.Buffer < 0 {
		return errors.New("buffer must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *config) header() http.Header {
	h := http.Header{}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

func (c *config) logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}
