// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"strings"

	"github.com/juju/errors"
)

// Message prefixes for each kind of error. The text of every error sent to
// a client starts with one of these.
const (
	ProtocolPrefix      = "Protocol error: "
	NamespacePrefix     = "Namespace error: "
	PermissionPrefix    = "Permission denied: "
	ConfigurationPrefix = "Configuration Error: "
)

// Protocol errors describe malformed requests from a client.
const (
	// AuthenticationRequired is returned for any request other than
	// LOGIN or QUIT before a successful login.
	AuthenticationRequired = errors.ConstError(ProtocolPrefix + "Authentication required")

	// AlreadyLoggedIn is returned for a second LOGIN on a connection.
	AlreadyLoggedIn = errors.ConstError(ProtocolPrefix + "Already logged in")

	// InvalidMessageCode is returned for an unknown opcode.
	InvalidMessageCode = errors.ConstError(ProtocolPrefix + "Invalid message code")

	// WrongParameterCount is returned when a record has the wrong number
	// of parameters for its opcode or attribute type.
	WrongParameterCount = errors.ConstError(ProtocolPrefix + "Wrong number of parameters")

	// InvalidParameter is returned when a parameter cannot be parsed.
	InvalidParameter = errors.ConstError(ProtocolPrefix + "Invalid parameter")

	// NotWatching is returned when ignoring a name which is not watched.
	NotWatching = errors.ConstError(ProtocolPrefix + "Not watching name")
)

// Namespace errors describe lookups and updates against names.
const (
	// NameInvalid describes a name which does not address anything.
	NameInvalid = errors.ConstError(NamespacePrefix + "Invalid name")

	// NameExists describes an attempt to add an object twice.
	NameExists = errors.ConstError(NamespacePrefix + "Name already exists")

	// PatternInvalid describes a privilege pattern which is not valid.
	PatternInvalid = errors.ConstError(NamespacePrefix + "Invalid name pattern")

	// NameUnknown is the type of errors returned by NewNameUnknown.
	NameUnknown = errors.ConstError(NamespacePrefix + "Name unknown")
)

// Permission errors describe failed authentication or privilege checks.
const (
	AuthenticationFailed = errors.ConstError(PermissionPrefix + "Authentication failed")
	UnableToAdd          = errors.ConstError(PermissionPrefix + "Unable to add object")
	UnableToRemove       = errors.ConstError(PermissionPrefix + "Unable to remove object")
	UnableToRead         = errors.ConstError(PermissionPrefix + "Unable to read attribute")
	UnableToWrite        = errors.ConstError(PermissionPrefix + "Unable to write attribute")

	// InsufficientPrivileges is the type of errors returned by
	// NewInsufficientPrivileges.
	InsufficientPrivileges = errors.ConstError(PermissionPrefix + "Insufficient privileges")
)

// ConfigurationError is the type of errors returned by NewConfigurationError.
const ConfigurationError = errors.ConstError("Configuration Error")

var (
	protocolErrors = []error{
		AuthenticationRequired,
		AlreadyLoggedIn,
		InvalidMessageCode,
		WrongParameterCount,
		InvalidParameter,
		NotWatching,
	}
	namespaceErrors = []error{
		NameInvalid,
		NameExists,
		PatternInvalid,
		NameUnknown,
	}
	permissionErrors = []error{
		AuthenticationFailed,
		UnableToAdd,
		UnableToRemove,
		UnableToRead,
		UnableToWrite,
		InsufficientPrivileges,
	}
)

// NewNameUnknown returns a NameUnknown error naming n.
func NewNameUnknown(n string) error {
	return errors.WithType(
		errors.New(NamespacePrefix+"Name unknown ("+n+")"),
		NameUnknown,
	)
}

// NewInsufficientPrivileges returns an InsufficientPrivileges error naming n.
func NewInsufficientPrivileges(n string) error {
	return errors.WithType(
		errors.New(PermissionPrefix+"Insufficient privileges: "+n),
		InsufficientPrivileges,
	)
}

// NewConfigurationError returns a ConfigurationError with the given message.
func NewConfigurationError(msg string) error {
	return errors.WithType(
		errors.New(ConfigurationPrefix+msg),
		ConfigurationError,
	)
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsProtocolError reports whether err is one of the protocol errors.
func IsProtocolError(err error) bool {
	return isAny(err, protocolErrors)
}

// IsNamespaceError reports whether err is one of the namespace errors.
func IsNamespaceError(err error) bool {
	return isAny(err, namespaceErrors)
}

// IsPermissionDenied reports whether err is one of the permission errors.
func IsPermissionDenied(err error) bool {
	return isAny(err, permissionErrors)
}

// IsSonarError reports whether err belongs to any kind which is reported
// back to a client rather than treated as an internal failure.
func IsSonarError(err error) bool {
	return IsProtocolError(err) || IsNamespaceError(err) || IsPermissionDenied(err)
}

// Message returns the text sent to a client for err. Annotations added to a
// sonar error are dropped so that clients can parse it with Parse.
func Message(err error) string {
	if !IsSonarError(err) {
		return err.Error()
	}
	if msg := findPrefixed(err.Error()); msg != "" {
		return msg
	}
	return err.Error()
}

func findPrefixed(msg string) string {
	for _, p := range []string{ProtocolPrefix, NamespacePrefix, PermissionPrefix} {
		if i := strings.Index(msg, p); i >= 0 {
			return msg[i:]
		}
	}
	return ""
}

// Parse converts the text of an error received from a server back into an
// error of the matching kind. Unrecognised text is returned as a plain
// error.
func Parse(msg string) error {
	for _, group := range [][]error{protocolErrors, namespaceErrors, permissionErrors} {
		for _, t := range group {
			if t.Error() == msg {
				return t
			}
		}
	}
	switch {
	case strings.HasPrefix(msg, NamespacePrefix+"Name unknown ("):
		return errors.WithType(errors.New(msg), NameUnknown)
	case strings.HasPrefix(msg, PermissionPrefix+"Insufficient privileges: "):
		return errors.WithType(errors.New(msg), InsufficientPrivileges)
	case strings.HasPrefix(msg, ConfigurationPrefix):
		return errors.WithType(errors.New(msg), ConfigurationError)
	}
	return errors.New(msg)
}
