package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/netauto/naas/pkg/credentials"
)

// passwordPrompt matches the secondary password challenge printed by
// privilege escalation.
var passwordPrompt = regexp.MustCompile(`(?i)password[^\r\n]*:\s*$`)

// enableDenied matches the rejection lines devices print when the enable
// secret is wrong.
var enableDenied = regexp.MustCompile(`(?i)%?\s*(bad secrets|access denied|error in authentication)`)

// SSHConnector opens device sessions over SSH with password authentication.
// The zero value is usable; Timeout defaults to DefaultConnectTimeout.
type SSHConnector struct {
	// Timeout bounds the TCP dial and the SSH handshake.
	Timeout time.Duration

	// ReadTimeout overrides the base prompt deadline. The target's
	// DelayFactor still multiplies it. Zero means the default.
	ReadTimeout time.Duration
}

var _ Connector = (*SSHConnector)(nil)

// NewSSHConnector returns a connector with the default timeout.
func NewSSHConnector() *SSHConnector {
	return &SSHConnector{Timeout: DefaultConnectTimeout}
}

// Connect dials the target, authenticates with the credentials, opens an
// interactive shell, escalates privileges where the platform wants it, and
// disables output paging. The returned Driver is ready for commands.
func (c *SSHConnector) Connect(
	ctx context.Context,
	target Target,
	creds credentials.Credentials,
) (Driver, error) {
	d, ok := dialects[target.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, target.Platform)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	log := zerolog.Ctx(ctx)

	log.Debug().
		Str("device", target.IP).
		Str("platform", target.Platform).
		Msg("connecting to device")

	conn, err := net.DialTimeout("tcp", target.Addr(), timeout)
	if err != nil {
		return nil, classifyDialError(err, target)
	}

	sshConf := &ssh.ClientConfig{
		User: creds.Username,
		Auth: []ssh.AuthMethod{ssh.Password(creds.Password)},
		// Device fleets recycle host keys across RMAs and reimages, so
		// pinning would wedge jobs on every hardware swap.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Addr(), sshConf)
	if err != nil {
		_ = conn.Close()

		return nil, classifyDialError(err, target)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("ssh error for %s: opening session: %w", target.IP, err)
	}

	// Tall, wide terminal so device output never wraps or pages on the
	// terminal itself; paging is disabled explicitly afterwards.
	modes := ssh.TerminalModes{
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}

	if err := sess.RequestPty("vt100", 0, 511, modes); err != nil {
		_ = sess.Close()
		_ = client.Close()

		return nil, fmt.Errorf("ssh error for %s: requesting pty: %w", target.IP, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()

		return nil, fmt.Errorf("ssh error for %s: opening stdin: %w", target.IP, err)
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		_ = client.Close()

		return nil, fmt.Errorf("ssh error for %s: opening stdout: %w", target.IP, err)
	}

	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		_ = client.Close()

		return nil, fmt.Errorf("ssh error for %s: starting shell: %w", target.IP, err)
	}

	s := &session{
		client:  client,
		sess:    sess,
		stdin:   stdin,
		reads:   make(chan []byte, 16),
		done:    make(chan struct{}),
		dialect: d,
		target:  target,
		timeout: target.readTimeout(c.ReadTimeout),
	}

	go s.pump(stdout)

	if err := s.initialize(ctx, creds.Enable); err != nil {
		_ = s.Disconnect()

		return nil, err
	}

	log.Debug().
		Str("device", target.IP).
		Str("platform", target.Platform).
		Msg("device session established")

	return s, nil
}

// session drives one interactive device CLI over an SSH shell channel. Not
// safe for concurrent use.
type session struct {
	client    *ssh.Client
	sess      *ssh.Session
	stdin     io.WriteCloser
	reads     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dialect   dialect
	target    Target
	timeout   time.Duration
}

var _ Driver = (*session)(nil)

// pump copies device output into the reads channel until the remote side
// closes the stream or the session is disconnected.
func (s *session) pump(stdout io.Reader) {
	buf := make([]byte, 4096)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case s.reads <- chunk:
			case <-s.done:
				return
			}
		}

		if err != nil {
			close(s.reads)

			return
		}
	}
}

// initialize reads the login banner, escalates to privileged mode where the
// platform uses one, and disables output paging.
func (s *session) initialize(ctx context.Context, enablePassword string) error {
	if _, err := s.readUntil(ctx, s.dialect.prompt); err != nil {
		return err
	}

	if s.dialect.usesEnable {
		if err := s.enable(ctx, enablePassword); err != nil {
			return err
		}
	}

	if _, err := s.execute(ctx, s.dialect.pagingOff); err != nil {
		return fmt.Errorf("disabling paging on %s: %w", s.target.IP, err)
	}

	return nil
}

// enable escalates to privileged EXEC mode. Devices that drop the session
// straight into privileged mode answer with a prompt instead of a password
// challenge, so both are accepted.
func (s *session) enable(ctx context.Context, password string) error {
	if err := s.send("enable"); err != nil {
		return err
	}

	out, err := s.readUntil(ctx, passwordPrompt, s.dialect.prompt)
	if err != nil {
		return err
	}

	if passwordPrompt.MatchString(lastLine(out)) {
		if err := s.send(password); err != nil {
			return err
		}

		out, err = s.readUntil(ctx, s.dialect.prompt)
		if err != nil {
			return err
		}

		if enableDenied.MatchString(out) {
			return fmt.Errorf("failed to enter enable mode on %s", s.target.IP)
		}
	}

	return nil
}

// SendCommand runs one show-style command and returns its cleaned output.
func (s *session) SendCommand(ctx context.Context, command string) (string, error) {
	return s.execute(ctx, command)
}

// SendConfigSet enters configuration mode, applies the commands in order,
// exits configuration mode, and returns the combined output.
func (s *session) SendConfigSet(ctx context.Context, commands []string) (string, error) {
	sequence := make([]string, 0, len(commands)+2)
	sequence = append(sequence, s.dialect.configEnter)
	sequence = append(sequence, commands...)
	sequence = append(sequence, s.dialect.configExit)

	return s.executeAll(ctx, sequence)
}

// SaveConfig persists the running configuration on platforms that have a
// save operation.
func (s *session) SaveConfig(ctx context.Context) (string, error) {
	if s.dialect.saveCommand == "" {
		return "", fmt.Errorf("%w: save on %s", ErrNotSupported, s.target.Platform)
	}

	return s.execute(ctx, s.dialect.saveCommand)
}

// Commit applies candidate configuration on platforms that stage changes.
// Commit runs inside configuration mode, so the session enters and leaves
// it around the commit command.
func (s *session) Commit(ctx context.Context) (string, error) {
	if s.dialect.commitCommand == "" {
		return "", fmt.Errorf("%w: commit on %s", ErrNotSupported, s.target.Platform)
	}

	return s.executeAll(ctx, []string{
		s.dialect.configEnter,
		s.dialect.commitCommand,
		s.dialect.configExit,
	})
}

// Disconnect closes the shell channel and the SSH connection.
func (s *session) Disconnect() error {
	s.closeOnce.Do(func() { close(s.done) })

	_ = s.sess.Close()

	if err := s.client.Close(); err != nil &&
		!errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing connection to %s: %w", s.target.IP, err)
	}

	return nil
}

// execute sends one command and reads until the device prompt returns.
func (s *session) execute(ctx context.Context, command string) (string, error) {
	if err := s.send(command); err != nil {
		return "", err
	}

	out, err := s.readUntil(ctx, s.dialect.prompt)
	if err != nil {
		return "", err
	}

	return s.clean(out, command), nil
}

// executeAll runs commands in order and joins their cleaned outputs.
func (s *session) executeAll(ctx context.Context, commands []string) (string, error) {
	var out strings.Builder

	for _, command := range commands {
		res, err := s.execute(ctx, command)
		if err != nil {
			return out.String(), err
		}

		if res != "" {
			out.WriteString(res)
			out.WriteString("\n")
		}
	}

	return strings.TrimSuffix(out.String(), "\n"), nil
}

func (s *session) send(command string) error {
	if _, err := fmt.Fprintf(s.stdin, "%s\n", command); err != nil {
		return fmt.Errorf("%w: writing to %s: %v", ErrSessionClosed, s.target.IP, err)
	}

	return nil
}

// readUntil accumulates device output until the last line matches one of
// the patterns. The deadline resets whenever data arrives so slow
// multi-screen output is not cut off mid-stream.
func (s *session) readUntil(ctx context.Context, patterns ...*regexp.Regexp) (string, error) {
	var out strings.Builder

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return out.String(), fmt.Errorf("%w for %s: %v", ErrTimeout, s.target.IP, ctx.Err())
		case chunk, ok := <-s.reads:
			if !ok {
				return out.String(), fmt.Errorf("%w: %s", ErrSessionClosed, s.target.IP)
			}

			out.Write(chunk)

			line := lastLine(out.String())
			for _, pattern := range patterns {
				if pattern.MatchString(line) {
					return out.String(), nil
				}
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.timeout)
		case <-timer.C:
			return out.String(), fmt.Errorf(
				"%w: no prompt from %s after %s", ErrTimeout, s.target.IP, s.timeout)
		}
	}
}

// clean strips the echoed command from the head of raw output and the
// prompt from its tail, leaving only what the command printed.
func (s *session) clean(raw, command string) string {
	raw = strings.ReplaceAll(raw, "\r", "")

	lines := strings.Split(raw, "\n")

	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}

	if n := len(lines); n > 0 && s.dialect.prompt.MatchString(lines[n-1]) {
		lines = lines[:n-1]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// lastLine returns the text after the final newline.
func lastLine(out string) string {
	if idx := strings.LastIndexByte(out, '\n'); idx >= 0 {
		return out[idx+1:]
	}

	return out
}
