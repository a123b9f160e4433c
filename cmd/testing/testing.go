// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"bytes"
	"context"
	"io"

	"github.com/juju/gnuflag"
	gc "gopkg.in/check.v1"

	"github.com/juju/sonar/cmd"
)

// Context returns a command context writing to buffers, with its working
// directory in a fresh temporary directory.
func Context(c *gc.C) *cmd.Context {
	return &cmd.Context{
		Context: context.Background(),
		Dir:     c.MkDir(),
		Stdin:   &bytes.Buffer{},
		Stdout:  &bytes.Buffer{},
		Stderr:  &bytes.Buffer{},
	}
}

// Stdout returns what was written to the stdout of a context made by
// Context.
func Stdout(ctx *cmd.Context) string {
	return ctx.Stdout.(*bytes.Buffer).String()
}

// Stderr returns what was written to the stderr of a context made by
// Context.
func Stderr(ctx *cmd.Context) string {
	return ctx.Stderr.(*bytes.Buffer).String()
}

// HelpText returns a command's formatted help text.
func HelpText(command cmd.Command, name string) string {
	info := command.Info()
	info.Name = name
	f := gnuflag.NewFlagSet(info.Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	command.SetFlags(f)
	return string(info.Help(f))
}

// RunCommand runs a command with the given arguments in a new context and
// returns the context and the error from Init or Run.
func RunCommand(c *gc.C, com cmd.Command, args ...string) (*cmd.Context, error) {
	ctx := Context(c)
	return ctx, RunCommandInContext(ctx, com, args...)
}

// RunCommandInContext runs a command with the given arguments in ctx.
func RunCommandInContext(ctx *cmd.Context, com cmd.Command, args ...string) error {
	if err := cmd.InitCommand(com, args); err != nil {
		return err
	}
	return com.Run(ctx)
}
