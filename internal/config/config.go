// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the server configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	sonarerrors "github.com/juju/sonar/core/errors"
)

const (
	PortKey           = "port"
	ListenAddressKey  = "listen-address"
	TLSCertFileKey    = "tls-cert-file"
	TLSKeyFileKey     = "tls-key-file"
	WebsocketPortKey  = "websocket-port"
	SessionFileKey    = "session-file"
	DatabaseKey       = "database"
	MetricsAddressKey = "metrics-address"
	StoreTimeoutKey   = "store-timeout"
	ViolationLimitKey = "violation-limit"
	MaxRecordKey      = "max-record"
	AuthProvidersKey  = "auth-providers"
	LoggingConfigKey  = "logging-config"
	AllowNetworksKey  = "allow-networks"

	LogFileKey           = "log-file"
	LogFileMaxSizeKey    = "log-file-max-size"
	LogFileMaxBackupsKey = "log-file-max-backups"
)

const (
	// DefaultPort is the port the server listens on when none is given.
	DefaultPort = 1037

	DefaultStoreTimeout   = 30 * time.Second
	DefaultViolationLimit = 20
	DefaultLoggingConfig  = "<root>=INFO"

	// DefaultLogFileMaxSize is in megabytes.
	DefaultLogFileMaxSize    = 300
	DefaultLogFileMaxBackups = 2
)

// Known authentication providers.
const (
	LocalProvider    = "local"
	AllowAllProvider = "allow-all"
)

var configFields = schema.Fields{
	PortKey:           schema.ForceInt(),
	ListenAddressKey:  schema.String(),
	TLSCertFileKey:    schema.String(),
	TLSKeyFileKey:     schema.String(),
	WebsocketPortKey:  schema.ForceInt(),
	SessionFileKey:    schema.String(),
	DatabaseKey:       schema.String(),
	MetricsAddressKey: schema.String(),
	StoreTimeoutKey:   schema.String(),
	ViolationLimitKey: schema.ForceInt(),
	MaxRecordKey:      schema.ForceInt(),
	AuthProvidersKey: schema.List(schema.OneOf(
		schema.Const(LocalProvider),
		schema.Const(AllowAllProvider),
	)),
	LoggingConfigKey:     schema.String(),
	AllowNetworksKey:     schema.List(schema.String()),
	LogFileKey:           schema.String(),
	LogFileMaxSizeKey:    schema.ForceInt(),
	LogFileMaxBackupsKey: schema.ForceInt(),
}

var configDefaults = schema.Defaults{
	PortKey:           DefaultPort,
	ListenAddressKey:  "",
	TLSCertFileKey:    schema.Omit,
	TLSKeyFileKey:     schema.Omit,
	WebsocketPortKey:  schema.Omit,
	SessionFileKey:    schema.Omit,
	DatabaseKey:       schema.Omit,
	MetricsAddressKey: schema.Omit,
	StoreTimeoutKey:   DefaultStoreTimeout.String(),
	ViolationLimitKey: DefaultViolationLimit,
	MaxRecordKey:      schema.Omit,
	AuthProvidersKey:  []interface{}{LocalProvider},
	LoggingConfigKey:  DefaultLoggingConfig,
	AllowNetworksKey:  schema.Omit,

	LogFileKey:           schema.Omit,
	LogFileMaxSizeKey:    DefaultLogFileMaxSize,
	LogFileMaxBackupsKey: DefaultLogFileMaxBackups,
}

var configChecker = schema.FieldMap(configFields, configDefaults)

// Config holds the settings of a sonar server.
type Config struct {
	Port          int
	ListenAddress string

	// TLSCertFile and TLSKeyFile are both set to serve TLS.
	TLSCertFile string
	TLSKeyFile  string

	// WebsocketPort, when not zero, also accepts clients over websockets.
	WebsocketPort int

	SessionFile    string
	Database       string
	MetricsAddress string

	StoreTimeout   time.Duration
	ViolationLimit int
	MaxRecord      int

	AuthProviders []string
	LoggingConfig string

	// AllowNetworks, when not empty, limits clients to these networks.
	AllowNetworks []*net.IPNet

	// LogFile, when set, also writes the log to a file which is rotated
	// once it grows past LogFileMaxSize megabytes.
	LogFile           string
	LogFileMaxSize    int
	LogFileMaxBackups int
}

// Address returns the host:port of the main listener.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// WebsocketAddress returns the host:port of the websocket listener, or ""
// if websockets are disabled.
func (c Config) WebsocketAddress() string {
	if c.WebsocketPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.WebsocketPort)
}

// TLS reports whether the main listener serves TLS.
func (c Config) TLS() bool {
	return c.TLSCertFile != ""
}

// Validate returns a ConfigurationError if the settings cannot be used.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return configError("invalid %s %d", PortKey, c.Port)
	}
	if c.WebsocketPort < 0 || c.WebsocketPort > 65535 {
		return configError("invalid %s %d", WebsocketPortKey, c.WebsocketPort)
	}
	if c.WebsocketPort == c.Port {
		return configError("%s and %s are both %d", PortKey, WebsocketPortKey, c.Port)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return configError("%s and %s must be set together", TLSCertFileKey, TLSKeyFileKey)
	}
	if c.StoreTimeout <= 0 {
		return configError("%s must be positive", StoreTimeoutKey)
	}
	if c.ViolationLimit < 0 {
		return configError("%s must not be negative", ViolationLimitKey)
	}
	if c.MaxRecord < 0 {
		return configError("%s must not be negative", MaxRecordKey)
	}
	if len(c.AuthProviders) == 0 {
		return configError("no %s", AuthProvidersKey)
	}
	if c.LogFileMaxSize < 0 || c.LogFileMaxBackups < 0 {
		return configError("%s and %s must not be negative", LogFileMaxSizeKey, LogFileMaxBackupsKey)
	}
	if _, err := loggo.ParseConfigString(c.LoggingConfig); err != nil {
		return configError("%s: %v", LoggingConfigKey, err)
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := New(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// New coerces attrs into a Config, filling in defaults.
func New(attrs map[string]interface{}) (Config, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	for key := range attrs {
		if _, ok := configFields[key]; !ok {
			return Config{}, configError("unknown setting %q", key)
		}
	}
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return Config{}, configError("%v", err)
	}
	valid := coerced.(map[string]interface{})

	cfg := Config{
		Port:           intValue(valid, PortKey),
		ListenAddress:  stringValue(valid, ListenAddressKey),
		TLSCertFile:    stringValue(valid, TLSCertFileKey),
		TLSKeyFile:     stringValue(valid, TLSKeyFileKey),
		WebsocketPort:  intValue(valid, WebsocketPortKey),
		SessionFile:    stringValue(valid, SessionFileKey),
		Database:       stringValue(valid, DatabaseKey),
		MetricsAddress: stringValue(valid, MetricsAddressKey),
		ViolationLimit: intValue(valid, ViolationLimitKey),
		MaxRecord:      intValue(valid, MaxRecordKey),
		LoggingConfig:  stringValue(valid, LoggingConfigKey),

		LogFile:           stringValue(valid, LogFileKey),
		LogFileMaxSize:    intValue(valid, LogFileMaxSizeKey),
		LogFileMaxBackups: intValue(valid, LogFileMaxBackupsKey),
	}
	if cfg.StoreTimeout, err = time.ParseDuration(stringValue(valid, StoreTimeoutKey)); err != nil {
		return Config{}, configError("%s: %v", StoreTimeoutKey, err)
	}
	providers, _ := valid[AuthProvidersKey].([]interface{})
	for _, p := range providers {
		cfg.AuthProviders = append(cfg.AuthProviders, fmt.Sprint(p))
	}
	networks, _ := valid[AllowNetworksKey].([]interface{})
	for _, n := range networks {
		_, network, err := net.ParseCIDR(fmt.Sprint(n))
		if err != nil {
			return Config{}, configError("%s: %v", AllowNetworksKey, err)
		}
		cfg.AllowNetworks = append(cfg.AllowNetworks, network)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Parse reads a YAML document of settings.
func Parse(data []byte) (Config, error) {
	var attrs map[string]interface{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return Config{}, configError("%v", err)
	}
	return New(attrs)
}

// Read reads the settings file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configError("%v", err)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "reading %s", path)
}

func intValue(attrs map[string]interface{}, key string) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stringValue(attrs map[string]interface{}, key string) string {
	v, _ := attrs[key].(string)
	return v
}

func configError(format string, args ...interface{}) error {
	return sonarerrors.NewConfigurationError(fmt.Sprintf(format, args...))
}
