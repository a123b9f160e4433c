// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package message

import (
	"bytes"

	"github.com/juju/errors"
)

// DefaultMaxRecord is the longest record a Decoder accepts by default.
const DefaultMaxRecord = 1 << 20

// ErrRecordTooLarge is returned when more than the maximum number of bytes
// arrive without a record separator.
const ErrRecordTooLarge = errors.ConstError("record too large")

// Decoder splits a byte stream into records. Bytes may be written in
// arbitrary pieces; a record is only returned once its separator has been
// seen, and the bytes of an incomplete record are kept for the next call.
// Because both separators are ASCII, a multibyte character split across
// writes is reassembled before it is decoded.
type Decoder struct {
	pending   []byte
	maxRecord int
}

// NewDecoder returns a decoder which rejects records longer than limit
// bytes. A limit of zero selects DefaultMaxRecord.
func NewDecoder(limit int) *Decoder {
	if limit <= 0 {
		limit = DefaultMaxRecord
	}
	return &Decoder{maxRecord: limit}
}

// Write appends data to the decoder. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	return len(p), nil
}

// Buffered returns the number of bytes held for an incomplete record.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

// Decode returns the parameters of the next complete record, or nil if no
// complete record is buffered.
func (d *Decoder) Decode() ([]string, error) {
	i := bytes.IndexByte(d.pending, RecordSep)
	if i < 0 {
		limit := d.maxRecord
		if limit <= 0 {
			limit = DefaultMaxRecord
		}
		if len(d.pending) > limit {
			d.pending = nil
			return nil, errors.Trace(ErrRecordTooLarge)
		}
		return nil, nil
	}
	rec := d.pending[:i]
	params := make([]string, 0, bytes.Count(rec, []byte{UnitSep})+1)
	for _, p := range bytes.Split(rec, []byte{UnitSep}) {
		params = append(params, string(p))
	}
	rest := d.pending[i+1:]
	if len(rest) == 0 {
		d.pending = d.pending[:0]
	} else {
		d.pending = append(make([]byte, 0, len(rest)), rest...)
	}
	return params, nil
}

// DecodeAll returns every complete record currently buffered.
func (d *Decoder) DecodeAll() ([][]string, error) {
	var out [][]string
	for {
		rec, err := d.Decode()
		if err != nil {
			return out, errors.Trace(err)
		}
		if rec == nil {
			return out, nil
		}
		out = append(out, rec)
	}
}
