/*
 * Copyright 2017 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Environment variables overriding file settings.
const (
	EnvToken      = "KWMCLIENT_TOKEN"
	EnvServerURL  = "KWMCLIENT_SERVER_URL"
	EnvListenAddr = "KWMCLIENT_LISTEN"
	EnvSTUNURIs   = "KWMCLIENT_STUN_URIS"
)

// DefaultListenAddr is the default control API listen address.
const DefaultListenAddr = "127.0.0.1:8779"

// Config defines the client's configuration settings.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`

	ListenAddr         string   `yaml:"listen"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	ControlSigningKey  string   `yaml:"control_signing_key"`

	WithMetrics bool `yaml:"with_metrics"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	CallTimeout      time.Duration `yaml:"call_timeout"`
	IncomingTimeout  time.Duration `yaml:"incoming_timeout"`
	OfferWaitTimeout time.Duration `yaml:"offer_wait_timeout"`

	STUNURIs []string `yaml:"stun_uris"`
	TURNURIs []string `yaml:"turn_uris"`

	TURNUsername string `yaml:"turn_username"`
	TURNPassword string `yaml:"turn_password"`

	TURNServerSharedSecret string `yaml:"turn_server_shared_secret"`

	TURNServerServiceURL      string `yaml:"turn_server_service_url"`
	TURNServerServiceUsername string `yaml:"turn_server_service_username"`
	TURNServerServicePassword string `yaml:"turn_server_service_password"`

	Client *http.Client `yaml:"-"`

	Logger logrus.FieldLogger `yaml:"-"`

	Gatherer prometheus.Gatherer   `yaml:"-"`
	Metrics  prometheus.Registerer `yaml:"-"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ListenAddr:         DefaultListenAddr,
		CORSAllowedOrigins: []string{"*"},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err = yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return c, nil
}

// LoadEnvFiles loads the provided dotenv files into the process environment
// without overriding variables which are already set. Missing files are
// skipped.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("error loading env file %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings with the values found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvToken); ok && v != "" {
		c.Token = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.ServerURL = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup(EnvSTUNURIs); ok && v != "" {
		c.STUNURIs = strings.Fields(v)
	}
}

// Validate checks the accociated config for settings required to run.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.TURNServerSharedSecret != "" && len(c.TURNURIs) == 0 {
		return errors.New("at least one turn uri is required with a turn shared secret")
	}
	if c.TURNServerServiceUsername != "" && c.TURNServerServiceURL == "" {
		return errors.New("turn server service url cannot be empty")
	}
	if c.ControlSigningKey != "" && len(c.ControlSigningKey) < 32 {
		return errors.New("control signing key must be at least 32 characters")
	}
	return nil
}
