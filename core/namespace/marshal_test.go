// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package namespace_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/namespace"
)

type marshalSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&marshalSuite{})

func (s *marshalSuite) TestRoundTripScalars(c *gc.C) {
	for i, test := range []struct {
		kind  namespace.Kind
		value interface{}
	}{
		{namespace.String, "hello world"},
		{namespace.String, ""},
		{namespace.Int, int32(-42)},
		{namespace.Int, int32(2147483647)},
		{namespace.Short, int16(-7)},
		{namespace.Bool, true},
		{namespace.Bool, false},
		{namespace.Float, float32(3.25)},
		{namespace.Float, float32(0.1)},
		{namespace.Long, int64(-9007199254740993)},
		{namespace.Double, 0.1},
		{namespace.Double, -1.5e300},
	} {
		c.Logf("test %d: %v %#v", i, test.kind, test.value)
		t := namespace.Type{Kind: test.kind}
		values := namespace.Marshal(t, test.value)
		c.Assert(values, gc.HasLen, 1)
		v, err := namespace.Unmarshal(nil, t, values)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(v, gc.Equals, test.value)
	}
}

func (s *marshalSuite) TestNull(c *gc.C) {
	t := namespace.ObjectOf("widget")
	c.Check(namespace.Marshal(t, nil), jc.DeepEquals, []string{message.NullRef})
	v, err := namespace.Unmarshal(newStore(), t, []string{message.NullRef})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.IsNil)
}

func (s *marshalSuite) TestObjectReference(c *gc.C) {
	foo := &object{tname: "gadget", oname: "foo"}
	l := newStore(foo)
	t := namespace.ObjectOf("widget", "gadget")

	c.Check(namespace.Marshal(t, foo), jc.DeepEquals, []string{"foo"})
	v, err := namespace.Unmarshal(l, t, []string{"foo"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, foo)

	v, err = namespace.Unmarshal(l, t, []string{"missing"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.IsNil)

	_, err = namespace.Unmarshal(l, namespace.Type{Kind: namespace.Object}, []string{"foo"})
	c.Check(err, jc.ErrorIs, sonarerrors.InvalidParameter)
}

func (s *marshalSuite) TestArrays(c *gc.C) {
	a := &object{tname: "capability", oname: "a"}
	b := &object{tname: "capability", oname: "b"}
	l := newStore(a, b)
	t := namespace.ArrayOf(namespace.ObjectOf("capability"))

	values := namespace.Marshal(t, []interface{}{a, b})
	c.Check(values, jc.DeepEquals, []string{"a", "b"})
	v, err := namespace.Unmarshal(l, t, values)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, jc.DeepEquals, []interface{}{a, b})

	v, err = namespace.Unmarshal(l, t, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.HasLen, 0)
}

func (s *marshalSuite) TestErrors(c *gc.C) {
	_, err := namespace.Unmarshal(nil, namespace.Type{Kind: namespace.Int}, []string{"ten"})
	c.Check(err, jc.ErrorIs, sonarerrors.InvalidParameter)
	_, err = namespace.Unmarshal(nil, namespace.Type{Kind: namespace.Short}, []string{"70000"})
	c.Check(err, jc.ErrorIs, sonarerrors.InvalidParameter)
	_, err = namespace.Unmarshal(nil, namespace.Type{Kind: namespace.Int}, []string{"1", "2"})
	c.Check(err, jc.ErrorIs, sonarerrors.WrongParameterCount)
	_, err = namespace.Unmarshal(nil, namespace.Type{Kind: namespace.String}, nil)
	c.Check(err, jc.ErrorIs, sonarerrors.WrongParameterCount)
	_, err = namespace.Unmarshal(nil, namespace.Type{Kind: namespace.Kind(99)}, []string{"x"})
	c.Check(err, jc.ErrorIs, sonarerrors.InvalidParameter)
}

func (s *marshalSuite) TestBoolIsLenient(c *gc.C) {
	t := namespace.Type{Kind: namespace.Bool}
	v, err := namespace.Unmarshal(nil, t, []string{"TRUE"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, true)
	v, err = namespace.Unmarshal(nil, t, []string{"yes"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, false)
}

func (s *marshalSuite) TestValuesEqual(c *gc.C) {
	t := namespace.Type{Kind: namespace.Int}
	c.Check(namespace.ValuesEqual(t, int32(1), int32(1)), jc.IsTrue)
	c.Check(namespace.ValuesEqual(t, int32(1), int32(2)), jc.IsFalse)
	c.Check(namespace.ValuesEqual(t, nil, int32(2)), jc.IsFalse)
}

func (s *marshalSuite) TestSchema(c *gc.C) {
	_, err := namespace.NewSchema("widget", nil,
		namespace.Attribute{Name: "size"},
		namespace.Attribute{Name: "size"},
	)
	c.Check(err, gc.ErrorMatches, `widget duplicate attribute "size" not valid`)

	schema, err := namespace.NewSchema("widget", nil,
		namespace.Attribute{Name: "size", Get: func(namespace.SonarObject) interface{} { return nil }},
		namespace.Attribute{Name: "colour"},
	)
	c.Assert(err, jc.ErrorIsNil)
	attrs := schema.Attributes()
	c.Assert(attrs, gc.HasLen, 2)
	c.Check(attrs[0].Name, gc.Equals, "colour")
	c.Check(attrs[1].Readable(), jc.IsTrue)
	c.Check(attrs[0].Readable(), jc.IsFalse)
	_, ok := schema.Attribute("weight")
	c.Check(ok, jc.IsFalse)
}
