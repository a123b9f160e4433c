// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/internal/config"
)

type configSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) TestDefault(c *gc.C) {
	cfg := config.Default()
	c.Check(cfg, jc.DeepEquals, config.Config{
		Port:           1037,
		StoreTimeout:   30 * time.Second,
		ViolationLimit: 20,
		AuthProviders:  []string{"local"},
		LoggingConfig:  "<root>=INFO",

		LogFileMaxSize:    300,
		LogFileMaxBackups: 2,
	})
	c.Check(cfg.Address(), gc.Equals, ":1037")
	c.Check(cfg.WebsocketAddress(), gc.Equals, "")
	c.Check(cfg.TLS(), jc.IsFalse)
}

func (s *configSuite) TestParse(c *gc.C) {
	cfg, err := config.Parse([]byte(`
port: 2000
listen-address: 127.0.0.1
tls-cert-file: /etc/sonar/cert.pem
tls-key-file: /etc/sonar/key.pem
websocket-port: "2001"
session-file: /run/sonar/sessions
database: /var/lib/sonar/sonar.db
metrics-address: localhost:9100
store-timeout: 5s
violation-limit: 3
max-record: 65536
auth-providers: [allow-all, local]
logging-config: <root>=DEBUG;sonar.server=TRACE
log-file: /var/log/sonar/sonard.log
log-file-max-size: 10
log-file-max-backups: 0
`))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg, jc.DeepEquals, config.Config{
		Port:           2000,
		ListenAddress:  "127.0.0.1",
		TLSCertFile:    "/etc/sonar/cert.pem",
		TLSKeyFile:     "/etc/sonar/key.pem",
		WebsocketPort:  2001,
		SessionFile:    "/run/sonar/sessions",
		Database:       "/var/lib/sonar/sonar.db",
		MetricsAddress: "localhost:9100",
		StoreTimeout:   5 * time.Second,
		ViolationLimit: 3,
		MaxRecord:      65536,
		AuthProviders:  []string{"allow-all", "local"},
		LoggingConfig:  "<root>=DEBUG;sonar.server=TRACE",

		LogFile:           "/var/log/sonar/sonard.log",
		LogFileMaxSize:    10,
		LogFileMaxBackups: 0,
	})
	c.Check(cfg.Address(), gc.Equals, "127.0.0.1:2000")
	c.Check(cfg.WebsocketAddress(), gc.Equals, "127.0.0.1:2001")
	c.Check(cfg.TLS(), jc.IsTrue)
}

func (s *configSuite) TestParseEmpty(c *gc.C) {
	cfg, err := config.Parse(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg, jc.DeepEquals, config.Default())
}

func (s *configSuite) TestAllowNetworks(c *gc.C) {
	cfg, err := config.Parse([]byte("allow-networks: [10.0.0.0/8, '::1/128']\n"))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cfg.AllowNetworks, gc.HasLen, 2)
	c.Check(cfg.AllowNetworks[0].String(), gc.Equals, "10.0.0.0/8")
	c.Check(cfg.AllowNetworks[1].String(), gc.Equals, "::1/128")
}

func (s *configSuite) TestInvalid(c *gc.C) {
	for i, test := range []struct {
		yaml string
		err  string
	}{{
		yaml: "port: 0",
		err:  "invalid port 0",
	}, {
		yaml: "port: 70000",
		err:  "invalid port 70000",
	}, {
		yaml: "port: lots",
		err:  `port: expected number, got string\("lots"\)`,
	}, {
		yaml: "websocket-port: 1037",
		err:  "port and websocket-port are both 1037",
	}, {
		yaml: "tls-cert-file: cert.pem",
		err:  "tls-cert-file and tls-key-file must be set together",
	}, {
		yaml: "store-timeout: soon",
		err:  `store-timeout: time: invalid duration "soon"`,
	}, {
		yaml: "store-timeout: 0s",
		err:  "store-timeout must be positive",
	}, {
		yaml: "violation-limit: -1",
		err:  "violation-limit must not be negative",
	}, {
		yaml: "log-file-max-size: -5",
		err:  "log-file-max-size and log-file-max-backups must not be negative",
	}, {
		yaml: "allow-networks: [10.0.0.1]",
		err:  `allow-networks: invalid CIDR address: 10.0.0.1`,
	}, {
		yaml: "auth-providers: [ldap]",
		err:  `auth-providers.*"ldap".*`,
	}, {
		yaml: "auth-providers: []",
		err:  "no auth-providers",
	}, {
		yaml: "logging-config: '<root>=LOUD'",
		err:  `logging-config: .*`,
	}, {
		yaml: "colour: blue",
		err:  `unknown setting "colour"`,
	}, {
		yaml: "port: [",
		err:  "yaml: .*",
	}} {
		c.Logf("test %d: %s", i, test.yaml)
		_, err := config.Parse([]byte(test.yaml))
		c.Check(err, jc.ErrorIs, sonarerrors.ConfigurationError)
		c.Check(err, gc.ErrorMatches, "Configuration Error: "+test.err)
	}
}

func (s *configSuite) TestRead(c *gc.C) {
	path := filepath.Join(c.MkDir(), "sonar.yaml")
	c.Assert(os.WriteFile(path, []byte("port: 4000\n"), 0600), jc.ErrorIsNil)
	cfg, err := config.Read(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cfg.Port, gc.Equals, 4000)

	_, err = config.Read(filepath.Join(c.MkDir(), "missing.yaml"))
	c.Check(err, jc.ErrorIs, sonarerrors.ConfigurationError)
	c.Check(err, gc.ErrorMatches, "Configuration Error: open .*: no such file or directory")
}
