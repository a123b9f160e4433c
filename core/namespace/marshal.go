// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package namespace

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/juju/errors"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
)

// MarshalValue returns the wire form of a single value.
func MarshalValue(v interface{}) string {
	if isNil(v) {
		return message.NullRef
	}
	switch v := v.(type) {
	case SonarObject:
		return v.Name()
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

// Marshal returns the wire parameters of a value of type t. Array values
// are marshalled element by element.
func Marshal(t Type, v interface{}) []string {
	if !t.Array {
		return []string{MarshalValue(v)}
	}
	elems := toSlice(v)
	out := make([]string, len(elems))
	for i, e := range elems {
		out[i] = MarshalValue(e)
	}
	return out
}

func toSlice(v interface{}) []interface{} {
	switch v := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []SonarObject:
		out := make([]interface{}, len(v))
		for i, o := range v {
			out[i] = o
		}
		return out
	}
	return []interface{}{v}
}

// Unmarshal parses wire parameters into a value of type t. A parameter
// count other than one for a non-array type is a WrongParameterCount error.
func Unmarshal(l Lookup, t Type, values []string) (interface{}, error) {
	if t.Array {
		out := make([]interface{}, len(values))
		for i, p := range values {
			v, err := UnmarshalValue(l, t, p)
			if err != nil {
				return nil, errors.Trace(err)
			}
			out[i] = v
		}
		return out, nil
	}
	if len(values) != 1 {
		return nil, sonarerrors.WrongParameterCount
	}
	return UnmarshalValue(l, t, values[0])
}

// UnmarshalValue parses one parameter. The null reference parses as nil for
// every kind. Unknown object names resolve to nil without error.
func UnmarshalValue(l Lookup, t Type, p string) (interface{}, error) {
	if p == message.NullRef {
		return nil, nil
	}
	var (
		v   interface{}
		err error
	)
	switch t.Kind {
	case String:
		return p, nil
	case Bool:
		return strings.EqualFold(p, "true"), nil
	case Int:
		var i int64
		i, err = strconv.ParseInt(p, 10, 32)
		v = int32(i)
	case Short:
		var i int64
		i, err = strconv.ParseInt(p, 10, 16)
		v = int16(i)
	case Long:
		v, err = strconv.ParseInt(p, 10, 64)
	case Float:
		var f float64
		f, err = strconv.ParseFloat(p, 32)
		v = float32(f)
	case Double:
		v, err = strconv.ParseFloat(p, 64)
	case Object:
		return unmarshalObject(l, t, p)
	default:
		return nil, sonarerrors.InvalidParameter
	}
	if err != nil {
		return nil, sonarerrors.InvalidParameter
	}
	return v, nil
}

func unmarshalObject(l Lookup, t Type, p string) (interface{}, error) {
	if len(t.ObjectTypes) == 0 || l == nil {
		return nil, sonarerrors.InvalidParameter
	}
	for _, tname := range t.ObjectTypes {
		if o := l.LookupObject(tname, p); !isNil(o) {
			return o, nil
		}
	}
	return nil, nil
}

// ValuesEqual reports whether two values of type t marshal identically.
func ValuesEqual(t Type, a, b interface{}) bool {
	ma, mb := Marshal(t, a), Marshal(t, b)
	if len(ma) != len(mb) {
		return false
	}
	for i := range ma {
		if ma[i] != mb[i] {
			return false
		}
	}
	return true
}

// isNil reports whether v is nil or a typed nil pointer held in an
// interface, as returned by lookups of absent objects.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return rv.IsNil()
	}
	return false
}
