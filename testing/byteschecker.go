// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"
	"reflect"

	gc "gopkg.in/check.v1"

	"github.com/juju/sonar/core/message"
)

type recordsChecker struct {
	*gc.CheckerInfo
}

// RecordsEqual compares a []byte holding encoded wire records with the
// expected records, given as [][]string of code followed by parameters.
var RecordsEqual gc.Checker = &recordsChecker{
	&gc.CheckerInfo{Name: "RecordsEqual", Params: []string{"obtained", "expected"}},
}

func (c *recordsChecker) Check(params []interface{}, names []string) (bool, string) {
	data, ok := params[0].([]byte)
	if !ok {
		return false, "obtained is not of type []byte"
	}
	expected, ok := params[1].([][]string)
	if !ok {
		return false, "expected is not of type [][]string"
	}
	obtained, err := DecodeRecords(data)
	if err != nil {
		return false, err.Error()
	}
	if len(obtained) == 0 && len(expected) == 0 {
		return true, ""
	}
	if !reflect.DeepEqual(obtained, expected) {
		return false, fmt.Sprintf("obtained records %q", obtained)
	}
	return true, ""
}

// DecodeRecords splits data into records. A trailing partial record is
// an error.
func DecodeRecords(data []byte) ([][]string, error) {
	dec := message.NewDecoder(message.DefaultMaxRecord)
	dec.Write(data)
	records, err := dec.DecodeAll()
	if err != nil {
		return nil, err
	}
	if dec.Buffered() != 0 {
		return nil, fmt.Errorf("%d bytes of partial record", dec.Buffered())
	}
	return records, nil
}
