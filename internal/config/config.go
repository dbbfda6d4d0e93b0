/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the metadata-server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML duration strings like "5s" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DAO     DAOConfig     `yaml:"dao"`
	MLT     MLTConfig     `yaml:"mlt"`
	Journal JournalConfig `yaml:"journal"`
	Results ResultsConfig `yaml:"results"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig names the listeners and this server's peer identity.
type ServerConfig struct {
	// SelfAddress is how peers reach this server; it must match the
	// address the lookup table carries for the local subtrees.
	SelfAddress   string `yaml:"self_address" validate:"required"`
	ListenAddress string `yaml:"listen_address" validate:"required"`
	OpsAddress    string `yaml:"ops_address" validate:"required"`
}

// DAOConfig carries the protocol deadlines.
type DAOConfig struct {
	TPCRelTimeout  Duration `yaml:"tpc_rel_timeout"`
	MTPCRelTimeout Duration `yaml:"mtpc_rel_timeout"`
	OOERelTimeout  Duration `yaml:"ooe_rel_timeout"`
	OverallTimeout Duration `yaml:"overall_timeout"`
	MinSleepTime   Duration `yaml:"min_sleep_time"`
}

// MLTConfig locates the metadata lookup table.
type MLTConfig struct {
	Path  string `yaml:"path" validate:"required"`
	Watch bool   `yaml:"watch"`
}

// JournalConfig carries the journal database connection.
type JournalConfig struct {
	Host         string `yaml:"host" validate:"required"`
	Port         int    `yaml:"port" validate:"required,min=1,max=65535"`
	User         string `yaml:"user" validate:"required"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database" validate:"required"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"min=1"`
}

// ResultsConfig carries the client result queues.
type ResultsConfig struct {
	RedisAddr string `yaml:"redis_addr" validate:"required"`
	LBQueue   string `yaml:"lb_queue" validate:"required"`
	MDQueue   string `yaml:"md_queue" validate:"required"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Defaults mirror the deployment the original server shipped with.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: ":49152",
			OpsAddress:    ":9090",
		},
		DAO: DAOConfig{
			TPCRelTimeout:  Duration(5 * time.Second),
			MTPCRelTimeout: Duration(5 * time.Second),
			OOERelTimeout:  Duration(5 * time.Second),
			OverallTimeout: Duration(60 * time.Second),
			MinSleepTime:   Duration(1 * time.Second),
		},
		MLT: MLTConfig{
			Path: "/etc/parafs/mlt.conf",
		},
		Journal: JournalConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "mds_user",
			Database:     "dao_journal",
			SSLMode:      "disable",
			MaxOpenConns: 8,
		},
		Results: ResultsConfig{
			RedisAddr: "localhost:6379",
			LBQueue:   "parafs:dao:lb-results",
			MDQueue:   "parafs:dao:md-results",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.DAO.OverallTimeout.Std() <= c.DAO.TPCRelTimeout.Std() {
		return fmt.Errorf("overall_timeout must exceed tpc_rel_timeout")
	}
	if c.DAO.MinSleepTime.Std() <= 0 {
		return fmt.Errorf("min_sleep_time must be positive")
	}
	return nil
}
