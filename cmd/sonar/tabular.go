// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/juju/ansiterm"
	"github.com/juju/errors"
	"github.com/juju/naturalsort"
)

// formatTabular writes a listing as a table with one row per object,
// in natural name order.
func formatTabular(writer io.Writer, value interface{}) error {
	objects, ok := value.(map[string]map[string]interface{})
	if !ok {
		return errors.Errorf("expected object listing, got %T", value)
	}
	if len(objects) == 0 {
		return nil
	}
	names := make([]string, 0, len(objects))
	columns := make(map[string]bool)
	for oname, attrs := range objects {
		names = append(names, oname)
		for aname := range attrs {
			columns[aname] = true
		}
	}
	anames := make([]string, 0, len(columns))
	for aname := range columns {
		anames = append(anames, aname)
	}
	sort.Strings(anames)

	tw := ansiterm.NewTabWriter(writer, 0, 1, 1, ' ', 0)
	fmt.Fprintf(tw, "Name\t%s\n", strings.Join(anames, "\t"))
	for _, oname := range naturalsort.Sort(names) {
		row := []string{oname}
		for _, aname := range anames {
			row = append(row, cellValue(objects[oname][aname]))
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return errors.Trace(tw.Flush())
}

func cellValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []interface{}:
		values := make([]string, len(v))
		for i, e := range v {
			values[i] = cellValue(e)
		}
		return strings.Join(values, ",")
	}
	return fmt.Sprint(v)
}
