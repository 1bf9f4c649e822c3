package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/FLCN-16/nest-microservices/registry"
	"github.com/FLCN-16/nest-microservices/transport"
	jujuerrors "github.com/juju/errors"
)

const (
	// ErrCallTimeout means an attempt did not get a response in time.
	ErrCallTimeout = jujuerrors.ConstError("call timed out")

	// ErrCallFailed means the remote handler answered with an error.
	ErrCallFailed = jujuerrors.ConstError("call failed")
)

// RemoteError carries the error text a remote handler returned.
// It matches ErrCallFailed with errors.Is.
type RemoteError struct {
	Service string
	Pattern string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Service, e.Pattern, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrCallFailed
}

// isConnectionError reports failures that say the pooled connection or the
// cached address can no longer be trusted. Timeouts and remote application
// errors never count, whatever their text. The text match only looks at the
// innermost cause, which carries no service or pattern names.
func isConnectionError(err error) bool {
	if err == nil || errors.Is(err, ErrCallTimeout) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return false
	}
	if errors.Is(err, transport.ErrConnectionFailed) {
		return true
	}
	msg := rootCause(err).Error()
	return strings.Contains(msg, "connect") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "ECONNREFUSED")
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// IsDependencyUnavailable reports whether err means the downstream service
// could not be reached at all, as opposed to a rejection by it. HTTP layers
// map it to 503.
func IsDependencyUnavailable(err error) bool {
	return errors.Is(err, registry.ErrNoHealthyInstance) ||
		errors.Is(err, registry.ErrRegistryUnreachable) ||
		errors.Is(err, transport.ErrConnectionFailed)
}
