// Package credentials carries device login material through the system
// without ever letting it reach a log line, trace or API response.
//
// The Credentials value renders itself redacted under every fmt verb and
// under JSON marshalling; code that must persist the cleartext (the queue,
// which hands it to the SSH driver) copies the fields explicitly so the
// exception is visible at the call site.
package credentials

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
)

// Redacted replaces secret fields in every rendering of Credentials.
const Redacted = "<redacted>"

// Credentials holds the login material for a device session. Password
// and Enable are secrets; Username is not.
type Credentials struct {
	Username string
	Password string
	Enable   string
}

// New builds Credentials, defaulting the enable secret to the login
// password when none is given.
func New(username, password, enable string) Credentials {
	if enable == "" {
		enable = password
	}

	return Credentials{
		Username: username,
		Password: password,
		Enable:   enable,
	}
}

// String renders the credentials with secrets redacted.
func (c Credentials) String() string {
	return "Credentials{Username: " + c.Username +
		", Password: " + Redacted +
		", Enable: " + Redacted + "}"
}

// Format implements fmt.Formatter. Every verb renders the redacted form
// so a stray %#v can never put a password in a log line.
func (c Credentials) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, c.String())
}

// MarshalJSON renders the credentials with secrets redacted. Code that
// needs the cleartext on the wire must copy the fields into its own type.
func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"username": c.Username,
		"password": Redacted,
		"enable":   Redacted,
	})
}

// Equal compares two ownership hashes in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
