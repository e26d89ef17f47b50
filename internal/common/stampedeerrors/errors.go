// Package stampedeerrors contains generic typed errors returned by the
// orchestration engine. Callers should use errors.As to check for these
// types, since most errors are wrapped with a stack trace by pkg/errors.
//
// If multiple errors occur in some function (e.g., several workers fail in
// one run), that function should return an error of type multierror.Error
// from package github.com/hashicorp/go-multierror that encapsulates those
// individual errors.
package stampedeerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "threadMultiplier"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrUnsupported indicates a requested or discovered configuration that the
// engine refuses to run against, e.g., a sharded target topology.
type ErrUnsupported struct {
	Feature string // The unsupported feature, e.g., "sharded cluster"
	Message string // An optional message to include with the error message
}

func (err *ErrUnsupported) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("%s is not supported", err.Feature)
	}
	return fmt.Sprintf("%s is not supported; %s", err.Feature, err.Message)
}

// IsValidationError returns true if err wraps an ErrInvalidArgument or an
// ErrUnsupported, i.e., an error that is fatal before any side effect.
func IsValidationError(err error) bool {
	var invalid *ErrInvalidArgument
	if errors.As(err, &invalid) {
		return true
	}
	var unsupported *ErrUnsupported
	return errors.As(err, &unsupported)
}
