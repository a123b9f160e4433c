// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"io"
	"os"

	"github.com/juju/errors"
)

// FileVar represents a path to a file.
type FileVar struct {
	Path string
}

// Set stores the path name (implements gnuflag.Value.Set).
func (f *FileVar) Set(v string) error {
	f.Path = v
	return nil
}

// Open returns an io.ReadCloser to the file relative to the context.
func (f *FileVar) Open(ctx *Context) (io.ReadCloser, error) {
	if f.Path == "" {
		return nil, errors.New("path not set")
	}
	file, err := os.Open(ctx.AbsPath(f.Path))
	if err != nil {
		return nil, errors.Trace(err)
	}
	return file, nil
}

// Read returns the contents of the file.
func (f *FileVar) Read(ctx *Context) ([]byte, error) {
	if f.Path == "" {
		return nil, errors.New("path not set")
	}
	data, err := os.ReadFile(ctx.AbsPath(f.Path))
	return data, errors.Trace(err)
}

// String returns the path to the file.
func (f *FileVar) String() string {
	return f.Path
}
