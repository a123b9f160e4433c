// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/sonar/client"
	"github.com/juju/sonar/cmd"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

type watchCommand struct {
	connectedCommand

	color bool
	tname string
}

func (c *watchCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "watch",
		Args:    "<type>",
		Purpose: "Print changes to the objects of a type as they happen.",
	}
}

func (c *watchCommand) SetFlags(f *gnuflag.FlagSet) {
	c.connectedCommand.SetFlags(f)
	f.BoolVar(&c.color, "color", false, "Use ANSI color codes in output")
}

func (c *watchCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no type specified")
	}
	c.tname, args = args[0], args[1:]
	if _, ok := knownSchemas()[c.tname]; !ok {
		return errors.NotSupportedf("type %q", c.tname)
	}
	return cmd.CheckEmpty(args)
}

func (c *watchCommand) Run(ctx *cmd.Context) error {
	if err := c.connect(ctx); err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	tc, err := c.typeCache(c.tname)
	if err != nil {
		return errors.Trace(err)
	}
	out := ansiterm.NewWriter(ctx.Stdout)
	out.SetColorCapable(c.color)
	tc.AddProxyListener(&printer{out: out, schema: tc.Schema()})
	if err := c.client.Enumerate(name.ForType(c.tname)); err != nil {
		return errors.Trace(err)
	}

	died := make(chan error, 1)
	go func() { died <- c.client.Wait() }()
	select {
	case <-ctx.Done():
		return nil
	case <-c.errorSeen():
		return errors.Trace(c.serverError())
	case err := <-died:
		if err != nil {
			return errors.Trace(err)
		}
		return errors.New("connection closed by server")
	}
}

var (
	addedColor   = ansiterm.Foreground(ansiterm.Green)
	removedColor = ansiterm.Foreground(ansiterm.BrightRed)
	changedColor = ansiterm.Foreground(ansiterm.Yellow)
)

// printer writes one line per change. Attribute values arriving during
// the initial enumeration are not reported as changes.
type printer struct {
	mu       sync.Mutex
	out      *ansiterm.Writer
	schema   *namespace.Schema
	complete bool
}

func (p *printer) printf(ctx *ansiterm.Context, event, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.write(ctx, event, format, args...)
}

func (p *printer) write(ctx *ansiterm.Context, event, format string, args ...interface{}) {
	if ctx != nil {
		ctx.Fprintf(p.out, "%s", event)
	} else {
		fmt.Fprint(p.out, event)
	}
	if format != "" {
		fmt.Fprintf(p.out, " "+format, args...)
	}
	fmt.Fprintln(p.out)
}

func (p *printer) ProxyAdded(proxy *client.Proxy) {
	p.printf(addedColor, "added", "%s", proxy.Name())
}

func (p *printer) EnumerationComplete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
	p.write(nil, "complete", "")
}

func (p *printer) ProxyRemoved(proxy *client.Proxy) {
	p.printf(removedColor, "removed", "%s", proxy.Name())
}

func (p *printer) ProxyChanged(proxy *client.Proxy, aname string) {
	a, ok := p.schema.Attribute(aname)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.complete {
		return
	}
	v, _ := proxy.Get(aname)
	p.write(changedColor, "changed", "%s %s=%s", proxy.Name(), aname, displayValue(a.Type, v))
}

// displayValue renders a value for people: a null reference is empty
// and array elements are comma separated.
func displayValue(t namespace.Type, v interface{}) string {
	values := namespace.Marshal(t, v)
	for i, s := range values {
		if s == message.NullRef {
			values[i] = ""
		}
	}
	return strings.Join(values, ",")
}
