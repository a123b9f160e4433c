// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/sonar/cmd"
	"github.com/juju/sonar/version"
)

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx.Context = sigCtx
	code := cmd.Main(NewSonarCommand(), ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// NewSonarCommand returns the client command with every subcommand
// registered.
func NewSonarCommand() *cmd.SuperCommand {
	sonar := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "sonar",
		Purpose: "Inspect and change the objects of a SONAR server.",
		Doc: `
Every command connects to the server given with --address and logs in as
--user. The password is read from --password-file or from the
SONAR_PASSWORD environment variable.
`,
		Version: version.Current.String(),
	})
	sonar.Register(&listCommand{})
	sonar.Register(&watchCommand{})
	sonar.Register(&createCommand{})
	sonar.Register(&setCommand{})
	sonar.Register(&removeCommand{})
	sonar.Register(&passwdCommand{})
	return sonar
}
