// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/sonar/client"
	"github.com/juju/sonar/cmd"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

type listCommand struct {
	connectedCommand

	out   cmd.Output
	tname string
}

func (c *listCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "list",
		Args:    "<type>",
		Purpose: "List the objects of a type with their attributes.",
		Doc: `
Known types are capability, privilege, role, user and connection.
Attributes which refer to other objects show the object name.
`,
	}
}

func (c *listCommand) SetFlags(f *gnuflag.FlagSet) {
	c.connectedCommand.SetFlags(f)
	formatters := map[string]cmd.Formatter{"tabular": formatTabular}
	for name, formatter := range cmd.DefaultFormatters {
		formatters[name] = formatter
	}
	c.out.AddFlags(f, "yaml", formatters)
}

func (c *listCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no type specified")
	}
	c.tname, args = args[0], args[1:]
	if _, ok := knownSchemas()[c.tname]; !ok {
		return errors.NotSupportedf("type %q", c.tname)
	}
	return cmd.CheckEmpty(args)
}

func (c *listCommand) Run(ctx *cmd.Context) error {
	if err := c.connect(ctx); err != nil {
		return errors.Trace(err)
	}
	defer c.close()

	tc, err := c.typeCache(c.tname)
	if err != nil {
		return errors.Trace(err)
	}
	// Enumerate referenced types first so that references resolve.
	var caches []*client.TypeCache
	for _, tname := range referencedTypes(tc.Schema()) {
		if ref, ok := c.caches[tname]; ok && ref != tc {
			caches = append(caches, ref)
		}
	}
	caches = append(caches, tc)
	if err := c.enumerate(ctx, caches...); err != nil {
		return errors.Trace(err)
	}

	objects := make(map[string]map[string]interface{})
	for _, p := range tc.Objects() {
		objects[p.Name()] = proxyAttributes(tc.Schema(), p)
	}
	return c.out.Write(ctx, objects)
}

// enumerate watches each type and waits until the server has sent every
// object of every type.
func (c *connectedCommand) enumerate(ctx *cmd.Context, caches ...*client.TypeCache) error {
	var waiters []*completion
	for _, tc := range caches {
		w := &completion{done: make(chan struct{})}
		tc.AddProxyListener(w)
		defer tc.RemoveProxyListener(w)
		waiters = append(waiters, w)
		if err := c.client.Enumerate(name.ForType(tc.TypeName())); err != nil {
			return errors.Trace(err)
		}
	}
	timeout := time.After(c.timeout)
	for i, w := range waiters {
		select {
		case <-w.done:
		case <-c.errorSeen():
			return errors.Trace(c.serverError())
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errors.Errorf("timed out enumerating %s", caches[i].TypeName())
		}
	}
	return nil
}

// completion closes done when an enumeration completes.
type completion struct {
	done chan struct{}
}

func (w *completion) ProxyAdded(*client.Proxy)           {}
func (w *completion) ProxyRemoved(*client.Proxy)         {}
func (w *completion) ProxyChanged(*client.Proxy, string) {}

func (w *completion) EnumerationComplete() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func referencedTypes(schema *namespace.Schema) []string {
	var tnames []string
	for _, a := range schema.Attributes() {
		if a.Type.Kind == namespace.Object {
			tnames = append(tnames, a.Type.ObjectTypes...)
		}
	}
	return tnames
}

// proxyAttributes returns the readable attributes of p in a form the
// output formatters can write.
func proxyAttributes(schema *namespace.Schema, p *client.Proxy) map[string]interface{} {
	attrs := make(map[string]interface{})
	for _, a := range schema.Attributes() {
		if !a.Readable() {
			continue
		}
		v, err := p.Get(a.Name)
		if err != nil || v == nil {
			continue
		}
		attrs[a.Name] = listDisplayValue(v)
	}
	return attrs
}

func listDisplayValue(v interface{}) interface{} {
	switch v := v.(type) {
	case namespace.SonarObject:
		return v.Name()
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = listDisplayValue(e)
		}
		return out
	}
	return v
}
