// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"go.uber.org/zap/zapcore"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

// Config is the configuration for the logger.
type Config struct {
	// Console is the configuration for the console logging.
	Console ConsoleConfig `toml:"console,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *Config) InitDefaults() {
	c.Console.InitDefaults()
}

// Validate validates the config.
func (c *Config) Validate() error {
	return c.Console.validate()
}

// ConfigName returns the name this config should have in a config file.
func (c *Config) ConfigName() string {
	return "log"
}

// ConsoleConfig is the config for the console logger.
type ConsoleConfig struct {
	// Level of console logging (defaults to info).
	Level string `toml:"level,omitempty"`
}

// InitDefaults populates unset fields in cfg to their default values.
func (c *ConsoleConfig) InitDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c *ConsoleConfig) validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return serrors.Wrap("parsing log level", err, "level", c.Level)
	}
	return nil
}
