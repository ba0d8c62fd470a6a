// Package config provides application configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all application configuration.
type Settings struct {
	// Application metadata
	Version  string `envconfig:"VERSION" default:"1.0.0"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// API server settings
	APIHost string `envconfig:"API_HOST" default:"0.0.0.0"`
	APIPort int    `envconfig:"API_PORT" default:"6020"`

	// Bluetooth adapter settings
	AdapterName string        `envconfig:"ADAPTER_NAME" default:"hci0"`
	ScanTimeout time.Duration `envconfig:"SCAN_TIMEOUT" default:"5s"`

	// Pairing settings
	PairTimeout time.Duration `envconfig:"PAIR_TIMEOUT" default:"30s"` // whole bluetoothctl exchange

	// Service discovery settings
	SDPAttempts   int           `envconfig:"SDP_ATTEMPTS" default:"3"`
	SDPRetryDelay time.Duration `envconfig:"SDP_RETRY_DELAY" default:"1s"`

	// Session settings
	ReadPollInterval time.Duration `envconfig:"READ_POLL_INTERVAL" default:"500ms"` // doubles as the listener stop-check interval
	EchoHistory      int           `envconfig:"ECHO_HISTORY" default:"10"`
	ExchangeTimeout  time.Duration `envconfig:"EXCHANGE_TIMEOUT" default:"2s"` // default send-and-receive window
}

// ListenAddr returns the address string for the HTTP server to bind to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.APIHost, s.APIPort)
}

// Load creates a new Settings instance from environment variables.
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process("BLUEBRIDGE", s); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return s, nil
}
