package exec

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrUsage marks a node fed an input it cannot handle. Never retried.
	ErrUsage = errors.New("usage error")
	// ErrBackend marks a database failure during a query or DDL statement.
	ErrBackend = errors.New("backend error")
)

func usagef(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUsage)
}

func backend(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrBackend)
}

// withCleanup keeps primary as the reported error and attaches a cleanup
// failure to it. With no primary error the cleanup failure is returned as is.
func withCleanup(primary, cleanup error) error {
	if cleanup == nil {
		return primary
	}
	if primary == nil {
		return cleanup
	}
	return errors.WithSecondaryError(primary, cleanup)
}
