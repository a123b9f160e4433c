// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

// LoggingConfigEnvKey names the environment variable holding the default
// logging configuration of every command.
const LoggingConfigEnvKey = "SONAR_LOGGING_CONFIG"

var logger = loggo.GetLogger("sonar.cmd")

// Log supplies the logging flags of a SuperCommand.
type Log struct {
	// DefaultConfig is used when no --logging-config is given.
	DefaultConfig string

	Verbose bool
	Debug   bool
	Config  string
}

// AddFlags adds the logging flags to f.
func (l *Log) AddFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&l.Verbose, "verbose", false, "Show more verbose output")
	f.BoolVar(&l.Verbose, "v", false, "")
	f.BoolVar(&l.Debug, "debug", false, "Equivalent to --logging-config=<root>=DEBUG")
	f.StringVar(&l.Config, "logging-config", l.DefaultConfig, "Specify log levels for modules")
}

// Start sends log output to the context's stderr and applies the
// configured levels.
func (l *Log) Start(ctx *Context) error {
	config := l.Config
	switch {
	case l.Debug:
		config = "<root>=DEBUG;" + config
	case l.Verbose:
		config = "<root>=INFO;" + config
	}
	loggo.ResetLogging()
	writer := loggo.NewSimpleWriter(ctx.Stderr, loggo.DefaultFormatter)
	if err := loggo.RegisterWriter(loggo.DefaultWriterName, writer); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(strings.Trim(config, ";")); err != nil {
		return errors.Annotate(err, "configuring logging")
	}
	return nil
}

// SuperCommandParams provides a way to have default parameter to the
// NewSuperCommand call.
type SuperCommandParams struct {
	Name    string
	Purpose string
	Doc     string
	Version string

	// Log, if not nil, adds the logging flags.
	Log *Log
}

// SuperCommand is a Command that selects a subcommand and assumes its
// properties.
type SuperCommand struct {
	CommandBase

	Name    string
	Purpose string
	Doc     string
	Log     *Log

	version     string
	showVersion bool
	subcmds     map[string]Command
	subcmd      Command
	subargs     []string
	flags       *gnuflag.FlagSet
}

// NewSuperCommand creates and initializes a new SuperCommand, and returns
// the fully initialized structure.
func NewSuperCommand(params SuperCommandParams) *SuperCommand {
	if params.Log == nil {
		params.Log = &Log{}
	}
	if params.Log.DefaultConfig == "" {
		params.Log.DefaultConfig = os.Getenv(LoggingConfigEnvKey)
	}
	return &SuperCommand{
		Name:    params.Name,
		Purpose: params.Purpose,
		Doc:     params.Doc,
		Log:     params.Log,
		version: params.Version,
		subcmds: make(map[string]Command),
	}
}

// Register makes a subcommand available for use on the command line. The
// command is available via its own name.
func (c *SuperCommand) Register(subcmd Command) {
	name := subcmd.Info().Name
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcmds[name] = subcmd
}

func (c *SuperCommand) describeCommands() string {
	var names []string
	width := 0
	for name := range c.subcmds {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = fmt.Sprintf("    %-*s - %s", width, name, c.subcmds[name].Info().Purpose)
	}
	return strings.Join(lines, "\n")
}

// Info returns a description of the currently selected subcommand, or of
// the SuperCommand itself if no subcommand has been specified.
func (c *SuperCommand) Info() *Info {
	if c.subcmd != nil {
		info := *c.subcmd.Info()
		info.Name = fmt.Sprintf("%s %s", c.Name, info.Name)
		return &info
	}
	doc := c.Doc
	if len(c.subcmds) > 0 {
		doc = strings.TrimSpace(doc + "\n\nCommands:\n" + c.describeCommands())
	}
	return &Info{
		Name:    c.Name,
		Args:    "<command> ...",
		Purpose: c.Purpose,
		Doc:     doc,
	}
}

// SetFlags adds the options that apply to all commands, particularly those
// due to logging.
func (c *SuperCommand) SetFlags(f *gnuflag.FlagSet) {
	c.Log.AddFlags(f)
	if c.version != "" {
		f.BoolVar(&c.showVersion, "version", false, "Show the version")
	}
	c.flags = f
}

// AllowInterspersedFlags is false so that the flags of a subcommand are not
// parsed as flags of the SuperCommand.
func (c *SuperCommand) AllowInterspersedFlags() bool {
	return false
}

// Init initializes the command for running.
func (c *SuperCommand) Init(args []string) error {
	if c.showVersion {
		return CheckEmpty(args)
	}
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	found := c.subcmds[args[0]]
	if found == nil {
		return errors.Errorf("unrecognized command: %s %s", c.Name, args[0])
	}
	c.subcmd = found
	c.subargs = args[1:]

	// The subcommand's flags are parsed into the same set, so that global
	// flags may follow the subcommand name.
	c.subcmd.SetFlags(c.flags)
	if err := c.flags.Parse(c.subcmd.AllowInterspersedFlags(), c.subargs); err != nil {
		return errors.Trace(err)
	}
	return c.subcmd.Init(c.flags.Args())
}

// Run executes the subcommand that was selected in Init.
func (c *SuperCommand) Run(ctx *Context) error {
	if c.showVersion {
		_, err := fmt.Fprintln(ctx.Stdout, c.version)
		return errors.Trace(err)
	}
	if c.subcmd == nil {
		return errors.New("no command selected")
	}
	if err := c.Log.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("running %s %s [%s %s]", c.Name, c.subcmd.Info().Name, runtime.Compiler, runtime.Version())
	return c.subcmd.Run(ctx)
}

// Help writes the usage of the selected subcommand, or of the
// SuperCommand itself.
func (c *SuperCommand) Help(w io.Writer) error {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	c.Log.AddFlags(f)
	if c.subcmd != nil {
		c.subcmd.SetFlags(f)
	}
	_, err := w.Write(c.Info().Help(f))
	return errors.Trace(err)
}
