// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the publisher configuration: process settings and the
// published nodes file describing connections, subscriptions and items.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	publisher "github.com/edgeo-scada/publisher"
)

// Config is the root of the configuration file.
type Config struct {
	Logging     LoggingConfig `yaml:"logging"`
	NATS        NATSConfig    `yaml:"nats"`
	Client      ClientConfig  `yaml:"client"`
	Engine      EngineConfig  `yaml:"engine"`
	Connections []Connection  `yaml:"connections"`
}

// NATSConfig configures the notification sink.
type NATSConfig struct {
	URL          string        `yaml:"url"`
	Name         string        `yaml:"name"`
	Prefix       string        `yaml:"prefix"`
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// ClientConfig configures OPC UA sessions and the session pool.
type ClientConfig struct {
	ApplicationURI      string        `yaml:"application_uri"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	AutoReconnect       bool          `yaml:"auto_reconnect"`
	ReconnectInterval   time.Duration `yaml:"reconnect_interval"`
	NotificationQueue   int           `yaml:"notification_queue"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// EngineConfig tunes the subscription engine.
type EngineConfig struct {
	MaxBatchSize       int           `yaml:"max_batch_size"`
	Concurrency        int           `yaml:"concurrency"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	ValidateAttributes bool          `yaml:"validate_attributes"`
	Timestamps         string        `yaml:"timestamps"` // source, server, both, neither
	BrowseDepth        int           `yaml:"browse_depth"`
	MaxBrowseNodes     int           `yaml:"max_browse_nodes"`
}

// Default returns a configuration with every default applied and no connections.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// Load reads and validates a configuration file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration from memory.
func Parse(data []byte) (*Config, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a configuration, applies defaults and validates it.
func Decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in missing values.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()

	if c.NATS.Name == "" {
		c.NATS.Name = "opcua-publisher"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "opcua"
	}

	if c.Client.ApplicationURI == "" {
		c.Client.ApplicationURI = "urn:edgeo-scada:opcua-publisher"
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = 10 * time.Second
	}
	if c.Client.SessionTimeout == 0 {
		c.Client.SessionTimeout = 30 * time.Minute
	}
	if c.Client.AutoReconnect && c.Client.ReconnectInterval == 0 {
		c.Client.ReconnectInterval = 5 * time.Second
	}
	if c.Client.NotificationQueue == 0 {
		c.Client.NotificationQueue = 256
	}
	if c.Client.OpenTimeout == 0 {
		c.Client.OpenTimeout = publisher.DefaultOpenTimeout
	}
	if c.Client.HealthCheckInterval == 0 {
		c.Client.HealthCheckInterval = 30 * time.Second
	}

	if c.Engine.MaxBatchSize == 0 {
		c.Engine.MaxBatchSize = publisher.DefaultMaxBatchSize
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = publisher.DefaultConcurrency
	}
	if c.Engine.DispatchTimeout == 0 {
		c.Engine.DispatchTimeout = publisher.DefaultDispatchTimeout
	}
	if c.Engine.Timestamps == "" {
		c.Engine.Timestamps = "both"
	}
	if c.Engine.BrowseDepth == 0 {
		c.Engine.BrowseDepth = publisher.DefaultBrowseDepth
	}
	if c.Engine.MaxBrowseNodes == 0 {
		c.Engine.MaxBrowseNodes = publisher.DefaultMaxBrowseNodes
	}

	for i := range c.Connections {
		c.Connections[i].applyDefaults()
	}
}

// Validate checks process settings and every connection. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.RequestTimeout < 0 || c.Client.SessionTimeout < 0 || c.Client.NotificationQueue < 0 {
		errs = append(errs, errors.New("client timeouts and queue size cannot be negative"))
	}
	if c.Engine.MaxBatchSize < 0 || c.Engine.Concurrency < 0 {
		errs = append(errs, errors.New("engine batch size and concurrency cannot be negative"))
	}
	if _, err := ParseTimestamps(c.Engine.Timestamps); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Groups(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Timestamps returns the parsed engine timestamps setting.
func (c *Config) Timestamps() publisher.TimestampsToReturn {
	ts, err := ParseTimestamps(c.Engine.Timestamps)
	if err != nil {
		return publisher.TimestampsToReturnBoth
	}
	return ts
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
