// Package driver opens interactive CLI sessions on network devices over
// SSH and runs show or configuration commands against them.
//
// Each supported platform carries a dialect describing its prompt shape,
// how to disable output paging, how to enter and leave configuration mode,
// and whether it can persist or commit configuration. The worker obtains a
// session through a Connector so tests can substitute a fake device.
package driver

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/netauto/naas/pkg/credentials"
)

const (
	// DefaultConnectTimeout bounds the TCP dial and the SSH handshake.
	DefaultConnectTimeout = 30 * time.Second

	// baseReadTimeout is how long a session waits for the device prompt
	// before giving up, multiplied by the target's DelayFactor.
	baseReadTimeout = 10 * time.Second

	// DefaultPort is the standard SSH port.
	DefaultPort = 22
)

// Target identifies a device and the session parameters to reach it.
type Target struct {
	IP          string
	Port        int
	Platform    string
	DelayFactor int
}

// Addr returns the host:port dial address for the target.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(t.IP, strconv.Itoa(port))
}

// readTimeout returns the per-read prompt deadline for the target: base
// (or the default when base is zero) multiplied by DelayFactor. Slow
// devices are accommodated by raising DelayFactor, mirroring how operators
// tune screen-scraping libraries.
func (t Target) readTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		base = baseReadTimeout
	}

	df := t.DelayFactor
	if df < 1 {
		df = 1
	}

	return base * time.Duration(df)
}

// Driver is one open CLI session on a network device. Implementations are
// not safe for concurrent use; a session belongs to a single job.
type Driver interface {
	// SendCommand runs one show-style command and returns its output with
	// the echoed command and trailing prompt stripped.
	SendCommand(ctx context.Context, command string) (string, error)

	// SendConfigSet enters configuration mode, applies the commands in
	// order, exits configuration mode, and returns the combined output.
	SendConfigSet(ctx context.Context, commands []string) (string, error)

	// SaveConfig persists the running configuration. Platforms without a
	// save operation return ErrNotSupported.
	SaveConfig(ctx context.Context) (string, error)

	// Commit applies candidate configuration on platforms that stage
	// changes. Platforms without commit return ErrNotSupported.
	Commit(ctx context.Context) (string, error)

	// Disconnect closes the session and the underlying connection.
	Disconnect() error
}

// Connector opens device sessions. The SSH implementation is the only one
// used in production; tests substitute fakes.
type Connector interface {
	Connect(ctx context.Context, target Target, creds credentials.Credentials) (Driver, error)
}
