// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bufio"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/retry"

	"github.com/juju/sonar/cmd"
)

type passwdCommand struct {
	connectedCommand

	newPasswordFile cmd.FileVar
}

func (c *passwdCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "passwd",
		Purpose: "Change the password of the logged in user.",
		Doc: `
The new password is read from --new-password-file, or else from the first
line of standard input.
`,
	}
}

func (c *passwdCommand) SetFlags(f *gnuflag.FlagSet) {
	c.connectedCommand.SetFlags(f)
	f.Var(&c.newPasswordFile, "new-password-file", "File holding the new password")
}

func (c *passwdCommand) newPassword(ctx *cmd.Context) (string, error) {
	var password string
	if c.newPasswordFile.Path != "" {
		data, err := c.newPasswordFile.Read(ctx)
		if err != nil {
			return "", errors.Annotate(err, "reading new password")
		}
		password = string(data)
	} else {
		line, err := bufio.NewReader(ctx.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", errors.Annotate(err, "reading new password")
		}
		password = line
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func (c *passwdCommand) Run(ctx *cmd.Context) error {
	password, err := c.newPassword(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	current, err := c.password(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.connect(ctx); err != nil {
		return errors.Trace(err)
	}
	defer c.close()
	if err := c.client.ChangePassword(current, password); err != nil {
		return errors.Trace(err)
	}
	// The server does not acknowledge a change, so wait until the new
	// password is accepted or the change is refused.
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return c.checkLogin(ctx, password)
		},
		IsFatalError: func(error) bool {
			return c.serverError() != nil
		},
		Attempts: 50,
		Delay:    100 * time.Millisecond,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if serverErr := c.serverError(); serverErr != nil {
		return errors.Trace(serverErr)
	}
	if err != nil {
		return errors.Annotate(retry.LastError(err), "new password not accepted")
	}
	return errors.Trace(c.finish())
}

// checkLogin logs in on a second connection.
func (c *passwdCommand) checkLogin(ctx *cmd.Context, password string) error {
	check := &connectedCommand{
		address:          c.address,
		user:             c.userName(),
		useTLS:           c.useTLS,
		insecure:         c.insecure,
		timeout:          c.timeout,
		passwordOverride: &password,
	}
	if err := check.connect(ctx); err != nil {
		return errors.Trace(err)
	}
	check.close()
	return nil
}
