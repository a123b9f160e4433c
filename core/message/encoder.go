// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package message

import (
	"bytes"
	"strings"

	"github.com/juju/errors"
)

// ErrInvalidCharacter is returned when a parameter contains a separator.
const ErrInvalidCharacter = errors.ConstError("parameter contains a separator")

var separators = string([]byte{UnitSep, RecordSep})

// Encoder accumulates encoded records. It is not safe for concurrent use.
type Encoder struct {
	buf bytes.Buffer
}

// Encode appends one record with the given opcode and parameters. An
// encoding with no parameters after the opcode is valid; an empty TYPE
// record marks the end of an enumeration.
func (e *Encoder) Encode(code Code, params ...string) error {
	for _, p := range params {
		if strings.ContainsAny(p, separators) {
			return errors.Annotatef(ErrInvalidCharacter, "%s %q", code, p)
		}
	}
	e.buf.WriteByte(byte(code))
	for _, p := range params {
		e.buf.WriteByte(UnitSep)
		e.buf.WriteString(p)
	}
	e.buf.WriteByte(RecordSep)
	return nil
}

// EncodeValues is a convenience for records of the form
// "code name value...".
func (e *Encoder) EncodeValues(code Code, n string, values []string) error {
	params := make([]string, 0, len(values)+1)
	params = append(params, n)
	params = append(params, values...)
	return e.Encode(code, params...)
}

// Write appends records which are already encoded.
func (e *Encoder) Write(p []byte) (int, error) {
	return e.buf.Write(p)
}

// Len returns the number of encoded bytes waiting to be taken.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// Take returns the encoded bytes and resets the encoder.
func (e *Encoder) Take() []byte {
	if e.buf.Len() == 0 {
		return nil
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	e.buf.Reset()
	return out
}

// Encode returns a single encoded record.
func Encode(code Code, params ...string) ([]byte, error) {
	var e Encoder
	if err := e.Encode(code, params...); err != nil {
		return nil, errors.Trace(err)
	}
	return e.Take(), nil
}
