package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrAuth indicates the device rejected the supplied credentials.
	// Callers must treat this as a caller problem, not a device problem.
	ErrAuth = errors.New("authentication failed")

	// ErrTimeout indicates the device did not answer in time, at the TCP
	// layer or while waiting for a prompt.
	ErrTimeout = errors.New("connection timed out")

	// ErrNotSupported indicates the platform has no such operation.
	ErrNotSupported = errors.New("operation not supported on this platform")

	// ErrUnsupportedPlatform indicates the platform name has no dialect.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrSessionClosed indicates the device closed the connection while a
	// command was in flight.
	ErrSessionClosed = errors.New("session closed by device")
)

// authFailureFragments are the substrings the SSH library produces when the
// server rejects every offered authentication method. A handshake that
// fails for transport reasons does not contain any of these.
var authFailureFragments = []string{
	"unable to authenticate",
	"permission denied",
	"no supported methods remain",
}

// timeoutFragments are transport-level failures that mean the device was
// unreachable rather than unwilling.
var timeoutFragments = []string{
	"i/o timeout",
	"connection refused",
	"connection reset",
	"no route to host",
	"network is unreachable",
}

// classifyDialError maps handshake and transport failures onto the driver
// error classes so callers can route authentication failures differently
// from device failures.
func classifyDialError(err error, target Target) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())

	for _, fragment := range authFailureFragments {
		if strings.Contains(msg, fragment) {
			return fmt.Errorf("%w for %s: %v", ErrAuth, target.IP, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w for %s: %v", ErrTimeout, target.IP, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w for %s: %v", ErrTimeout, target.IP, err)
	}

	for _, fragment := range timeoutFragments {
		if strings.Contains(msg, fragment) {
			return fmt.Errorf("%w for %s: %v", ErrTimeout, target.IP, err)
		}
	}

	return fmt.Errorf("ssh error for %s: %w", target.IP, err)
}

// IsAuthErr reports whether err is an authentication failure.
func IsAuthErr(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsTimeoutErr reports whether err is a connection or prompt timeout.
func IsTimeoutErr(err error) bool {
	return errors.Is(err, ErrTimeout)
}
