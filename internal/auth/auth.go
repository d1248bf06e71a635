// Package auth implements authentication services for the submission
// port.
package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dtolnay/mailingset/internal/normalize"
)

// Backend is the interface for authentication backends.
type Backend interface {
	Authenticate(user, password string) (bool, error)
	Exists(user string) (bool, error)
	Reload() error
}

// NoErrorBackend is the interface for authentication backends that don't
// need to emit errors. This allows backends to avoid unnecessary
// complexity, in exchange for a bit more here. They can be converted to
// normal Backend using WrapNoErrorBackend (defined below).
type NoErrorBackend interface {
	Authenticate(user, password string) bool
	Exists(user string) bool
	Reload() error
}

// Authenticator tracks backends, one per domain, and answers
// authentication requests against them.
type Authenticator struct {
	// Registered backends, map of domain (string) -> Backend. Backend
	// operations will _not_ include the domain in the username.
	backends map[string]Backend

	// How long Authenticate calls should last, approximately. This will
	// be applied both for successful and unsuccessful attempts. We will
	// increase this number by 0-20%.
	AuthDuration time.Duration
}

// NewAuthenticator returns a new Authenticator with no backends.
func NewAuthenticator() *Authenticator {
	return &Authenticator{
		backends:     map[string]Backend{},
		AuthDuration: 100 * time.Millisecond,
	}
}

// Register a backend to use for the given domain.
func (a *Authenticator) Register(domain string, be Backend) {
	a.backends[domain] = be
}

// Authenticate the user@domain with the given password.
func (a *Authenticator) Authenticate(user, domain, password string) (bool, error) {
	// Make sure the call takes a.AuthDuration + 0-20% regardless of the
	// outcome, to prevent basic timing attacks.
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := a.AuthDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			delay += time.Duration(rand.Int63n(maxDelta + 1))
			time.Sleep(delay)
		}
	}(time.Now())

	if be, ok := a.backends[domain]; ok {
		return be.Authenticate(user, password)
	}

	return false, nil
}

// Exists checks that user@domain exists.
func (a *Authenticator) Exists(user, domain string) (bool, error) {
	if be, ok := a.backends[domain]; ok {
		return be.Exists(user)
	}

	return false, nil
}

// Reload the registered backends.
func (a *Authenticator) Reload() error {
	msgs := []string{}
	for domain, be := range a.backends {
		if err := be.Reload(); err != nil {
			msgs = append(msgs, fmt.Sprintf("%q: %v", domain, err))
		}
	}

	if len(msgs) > 0 {
		return errors.New(strings.Join(msgs, " ; "))
	}
	return nil
}

// DecodeResponse decodes a plain auth response.
//
// It must be a base64-encoded string of the form:
//
//	<authorization id> NUL <authentication id> NUL <password>
//
// https://tools.ietf.org/html/rfc4954#section-4.1.
//
// Either both ids must be the same, or the authorization id must be empty,
// which is a common way of saying "authorize me as the user I'm
// authenticating as".
func DecodeResponse(response string) (user, domain, passwd string, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return
	}

	bufsp := bytes.SplitN(buf, []byte{0}, 3)
	if len(bufsp) != 3 {
		err = fmt.Errorf("response pieces != 3, as per RFC")
		return
	}

	identity := string(bufsp[0])
	passwd = string(bufsp[2])

	user, domain, err = splitUserDomain(string(bufsp[1]))
	if err != nil {
		return
	}

	if identity != "" && identity != string(bufsp[1]) {
		err = fmt.Errorf("different authorization and authentication ids")
		return
	}

	return
}

// splitUserDomain splits user@domain into user and domain, normalizing
// both. The domain is mandatory for authentication.
func splitUserDomain(addr string) (string, string, error) {
	user, domain, found := strings.Cut(addr, "@")
	if !found || user == "" || domain == "" {
		return "", "", fmt.Errorf("user@domain form is required")
	}

	user, err := normalize.User(user)
	if err != nil {
		return "", "", err
	}
	domain, err = normalize.Domain(domain)
	if err != nil {
		return "", "", err
	}

	return user, domain, nil
}

// WrapNoErrorBackend wraps a NoErrorBackend, converting it into a normal
// Backend. This is normally used in Register calls, to register no-error
// backends.
func WrapNoErrorBackend(be NoErrorBackend) Backend {
	return &wrapNoErrorBackend{be}
}

type wrapNoErrorBackend struct {
	be NoErrorBackend
}

func (w *wrapNoErrorBackend) Authenticate(user, password string) (bool, error) {
	return w.be.Authenticate(user, password), nil
}

func (w *wrapNoErrorBackend) Exists(user string) (bool, error) {
	return w.be.Exists(user), nil
}

func (w *wrapNoErrorBackend) Reload() error {
	return w.be.Reload()
}
