// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backingstore keeps the objects of persistent types in a sqlite
// database so that they survive a server restart.
//
// Each object is one row keyed by type and object name. Attribute values
// are held in their wire form, a list of strings per attribute, encoded
// as a YAML mapping.
package backingstore
