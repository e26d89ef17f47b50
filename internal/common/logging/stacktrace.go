package logging

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry obtained by adding error information
// and, if available, a stack trace as fields to the provided logrus.Entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the chain of errors and retrieves the first
// errors.StackTrace it encounters. If no stacktraces are found, it returns nil.
func ExtractStack(err error) errors.StackTrace {
	if stackErr, ok := err.(stackTracer); ok {
		return stackErr.StackTrace()
	} else if causeErr, ok := err.(causer); ok {
		return ExtractStack(causeErr.Cause())
	}
	return nil
}

// StacktraceString renders the stack trace attached to err, if any, as a
// string suitable for inclusion in a failure record. Returns the empty
// string if err carries no stack trace.
func StacktraceString(err error) string {
	stack := ExtractStack(err)
	if stack == nil {
		return ""
	}
	return fmt.Sprintf("%+v", stack)
}
