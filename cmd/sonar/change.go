// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/sonar/cmd"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
)

// send connects, writes the records in one piece and waits for the server
// to handle them.
func (c *connectedCommand) send(ctx *cmd.Context, enc *message.Encoder) error {
	if err := c.connect(ctx); err != nil {
		return errors.Trace(err)
	}
	defer c.close()
	if err := c.client.Send(enc.Take()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.finish())
}

func parseObjectName(arg string) (name.Name, error) {
	n := name.New(arg)
	if !n.IsObject() || n.TypePart() == "" || n.ObjectPart() == "" {
		return name.Name{}, errors.NotValidf("object name %q", arg)
	}
	return n, nil
}

type createCommand struct {
	connectedCommand

	object name.Name
	attrs  []string
	values map[string][]string
}

func (c *createCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "create",
		Args:    "<type>/<object> [<attribute>=<value> ...]",
		Purpose: "Create an object.",
		Doc: `
Attributes are set before the object is created, so watchers see the new
object with its attributes. Give an attribute more than once to set an
array value.
`,
	}
}

func (c *createCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no object specified")
	}
	var err error
	if c.object, err = parseObjectName(args[0]); err != nil {
		return errors.Trace(err)
	}
	c.values = make(map[string][]string)
	for _, arg := range args[1:] {
		aname, value, ok := strings.Cut(arg, "=")
		if !ok || aname == "" {
			return errors.NotValidf("attribute setting %q", arg)
		}
		if _, seen := c.values[aname]; !seen {
			c.attrs = append(c.attrs, aname)
		}
		c.values[aname] = append(c.values[aname], value)
	}
	return nil
}

func (c *createCommand) Run(ctx *cmd.Context) error {
	var enc message.Encoder
	for _, aname := range c.attrs {
		n := name.ForAttribute(c.object.TypePart(), c.object.ObjectPart(), aname)
		if err := enc.EncodeValues(message.Attribute, n.String(), c.values[aname]); err != nil {
			return errors.Trace(err)
		}
	}
	if err := enc.Encode(message.Object, c.object.String()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.send(ctx, &enc))
}

type setCommand struct {
	connectedCommand

	null      bool
	attribute name.Name
	values    []string
}

func (c *setCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "set",
		Args:    "<type>/<object>/<attribute> <value> ...",
		Purpose: "Change an attribute of an object.",
	}
}

func (c *setCommand) SetFlags(f *gnuflag.FlagSet) {
	c.connectedCommand.SetFlags(f)
	f.BoolVar(&c.null, "null", false, "Clear the attribute")
}

func (c *setCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no attribute specified")
	}
	c.attribute = name.New(args[0])
	if !c.attribute.IsAttribute() || !c.attribute.Valid() || c.attribute.ObjectPart() == "" {
		return errors.NotValidf("attribute name %q", args[0])
	}
	c.values = args[1:]
	switch {
	case c.null && len(c.values) > 0:
		return errors.New("--null takes no values")
	case c.null:
		c.values = []string{message.NullRef}
	case len(c.values) == 0:
		return errors.New("no value specified")
	}
	return nil
}

func (c *setCommand) Run(ctx *cmd.Context) error {
	var enc message.Encoder
	if err := enc.EncodeValues(message.Attribute, c.attribute.String(), c.values); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.send(ctx, &enc))
}

type removeCommand struct {
	connectedCommand

	objects []name.Name
}

func (c *removeCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "remove",
		Args:    "<type>/<object> ...",
		Purpose: "Remove objects.",
	}
}

func (c *removeCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no object specified")
	}
	for _, arg := range args {
		n, err := parseObjectName(arg)
		if err != nil {
			return errors.Trace(err)
		}
		c.objects = append(c.objects, n)
	}
	return nil
}

func (c *removeCommand) Run(ctx *cmd.Context) error {
	var enc message.Encoder
	for _, n := range c.objects {
		if err := enc.Encode(message.Remove, n.String()); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(c.send(ctx, &enc))
}
