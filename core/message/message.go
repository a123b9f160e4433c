// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package message implements the SONAR wire format. A record is a list of
// UTF-8 parameters separated by UnitSep and terminated by RecordSep. The
// first parameter of every record is a single character opcode.
package message

import (
	"fmt"
)

const (
	// UnitSep separates the parameters of a record.
	UnitSep byte = 0x1f

	// RecordSep terminates a record.
	RecordSep byte = 0x1e

	// NullRef is the parameter used for a nil object reference.
	NullRef = "\x00"
)

// Code is the opcode of a record.
type Code byte

const (
	Login     Code = 'l'
	Quit      Code = 'q'
	Password  Code = 'p'
	Enumerate Code = 'e'
	Ignore    Code = 'i'
	Object    Code = 'o'
	Remove    Code = 'r'
	Attribute Code = 'a'
	Type      Code = 't'
	Show      Code = 's'
)

var codeNames = map[Code]string{
	Login:     "LOGIN",
	Quit:      "QUIT",
	Password:  "PASSWORD",
	Enumerate: "ENUMERATE",
	Ignore:    "IGNORE",
	Object:    "OBJECT",
	Remove:    "REMOVE",
	Attribute: "ATTRIBUTE",
	Type:      "TYPE",
	Show:      "SHOW",
}

// String returns the upper case name of the opcode.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%q)", byte(c))
}

// Valid reports whether c is a known opcode.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// ParseCode returns the opcode encoded in the first parameter of a record.
func ParseCode(p string) (Code, bool) {
	if len(p) != 1 {
		return 0, false
	}
	c := Code(p[0])
	return c, c.Valid()
}
