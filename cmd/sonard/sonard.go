// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"net"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/juju/sonar/cmd"
	"github.com/juju/sonar/internal/config"
	"github.com/juju/sonar/version"
)

// AdminPasswordEnvKey holds the password given to the admin user of a new
// server when no --admin-password-file is given.
const AdminPasswordEnvKey = "SONAR_ADMIN_PASSWORD"

var logger = loggo.GetLogger("sonar.sonard")

const sonardDoc = `
sonard serves a SONAR namespace to clients.

Settings are read from the YAML file given with --config. Without one the
server listens on port 1037 of every interface and keeps no state between
runs. When the database holds no users an "admin" user with every
privilege is created, with the password read from --admin-password-file
or the SONAR_ADMIN_PASSWORD environment variable.
`

type sonardCommand struct {
	cmd.CommandBase

	log           cmd.Log
	configFile    cmd.FileVar
	adminPassword cmd.FileVar
	port          int

	// listener and ready are set by tests.
	listener net.Listener
	ready    func(d *daemon)
}

// NewSonardCommand returns the command which runs the server.
func NewSonardCommand() cmd.Command {
	return &sonardCommand{}
}

func (c *sonardCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "sonard",
		Purpose: "Run a SONAR server.",
		Doc:     sonardDoc,
	}
}

func (c *sonardCommand) SetFlags(f *gnuflag.FlagSet) {
	c.log.DefaultConfig = os.Getenv(cmd.LoggingConfigEnvKey)
	c.log.AddFlags(f)
	f.Var(&c.configFile, "config", "Path to the server settings file")
	f.Var(&c.adminPassword, "admin-password-file", "File holding the initial admin password")
	f.IntVar(&c.port, "port", 0, "Override the port in the settings file")
}

func (c *sonardCommand) Run(ctx *cmd.Context) error {
	if err := c.log.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("starting sonard %s", version.Current)
	cfg := config.Default()
	if c.configFile.Path != "" {
		var err error
		if cfg, err = config.Read(ctx.AbsPath(c.configFile.Path)); err != nil {
			return errors.Trace(err)
		}
	}
	if c.port != 0 {
		cfg.Port = c.port
		if err := cfg.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	// Command line logging flags win over the settings file.
	if c.log.Config == "" && !c.log.Debug && !c.log.Verbose {
		if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
			return errors.Trace(err)
		}
	}
	if cfg.LogFile != "" {
		closeLog, err := startLogFile(ctx, cfg)
		if err != nil {
			return errors.Trace(err)
		}
		defer closeLog()
	}
	password, err := c.readAdminPassword(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	d, err := newDaemon(daemonParams{
		Config:        cfg,
		AdminPassword: password,
		Logger:        logger,
		Listener:      c.listener,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if c.ready != nil {
		c.ready(d)
	}
	return errors.Trace(d.run(ctx))
}

// logFileWriter is the name of the loggo writer for the log file.
const logFileWriter = "file"

// startLogFile adds a loggo writer which appends to the rotated log file
// named in cfg. The returned function removes it.
func startLogFile(ctx *cmd.Context, cfg config.Config) (func(), error) {
	ljLogger := &lumberjack.Logger{
		Filename:   ctx.AbsPath(cfg.LogFile),
		MaxSize:    cfg.LogFileMaxSize,
		MaxBackups: cfg.LogFileMaxBackups,
		Compress:   true,
	}
	logger.Debugf("created rotating log file %q with max size %d MB and max backups %d",
		ljLogger.Filename, ljLogger.MaxSize, ljLogger.MaxBackups)
	err := loggo.RegisterWriter(logFileWriter, loggo.NewSimpleWriter(ljLogger, loggo.DefaultFormatter))
	if err != nil {
		return nil, errors.Annotate(err, "adding log file writer")
	}
	return func() {
		_, _ = loggo.RemoveWriter(logFileWriter)
		_ = ljLogger.Close()
	}, nil
}

func (c *sonardCommand) readAdminPassword(ctx *cmd.Context) (string, error) {
	if c.adminPassword.Path == "" {
		return os.Getenv(AdminPasswordEnvKey), nil
	}
	data, err := c.adminPassword.Read(ctx)
	if err != nil {
		return "", errors.Annotate(err, "reading admin password")
	}
	return strings.TrimSpace(string(data)), nil
}
