package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/dtolnay/mailingset/internal/userdb"
)

func TestDecodeResponse(t *testing.T) {
	b64 := func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}

	// Successful cases. Note we hard-code the response for extra
	// validation, so the b64 helper can't hide encoding bugs.
	cases := []struct {
		response             string
		user, domain, passwd string
	}{
		{"dUBkAHVAZABwYXNz", "u", "d", "pass"},
		{"AHVAZABwYXNz", "u", "d", "pass"},
		{"dUBkAHVAZAA=", "u", "d", ""},
		{"AHXDsUBkAHBhc3M=", "uñ", "d", "pass"},
	}
	for _, c := range cases {
		u, d, p, err := DecodeResponse(c.response)
		if err != nil {
			t.Errorf("%q: error %v", c.response, err)
			continue
		}
		if u != c.user || d != c.domain || p != c.passwd {
			t.Errorf("%q: got %q %q %q", c.response, u, d, p)
		}
	}

	// Error cases.
	errCases := []string{
		"",
		"not base64",
		b64("noNULs"),
		b64("one\x00NUL"),
		b64("a@d\x00b@d\x00pass"),
		b64("\x00nodomain\x00pass"),
		b64("\x00@nouser\x00pass"),
		b64("\x00bad user@d\x00pass"),
	}
	for _, c := range errCases {
		if _, _, _, err := DecodeResponse(c); err == nil {
			t.Errorf("%q: expected error, got none", c)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	db := userdb.New("/dev/null")
	db.AddUser("user", "password")

	a := NewAuthenticator()
	a.AuthDuration = time.Millisecond
	a.Register("domain", WrapNoErrorBackend(db))

	cases := []struct {
		user, domain, passwd string
		expect               bool
	}{
		{"user", "domain", "password", true},
		{"user", "domain", "wrong", false},
		{"nobody", "domain", "password", false},
		{"user", "otherdomain", "password", false},
	}
	for _, c := range cases {
		ok, err := a.Authenticate(c.user, c.domain, c.passwd)
		if err != nil {
			t.Errorf("%q@%q: error %v", c.user, c.domain, err)
		}
		if ok != c.expect {
			t.Errorf("%q@%q with %q: got %v, expected %v",
				c.user, c.domain, c.passwd, ok, c.expect)
		}
	}

	if ok, _ := a.Exists("user", "domain"); !ok {
		t.Errorf("user does not exist, it should")
	}
	if ok, _ := a.Exists("user", "other"); ok {
		t.Errorf("user exists in unknown domain")
	}
}

func TestAuthenticateTiming(t *testing.T) {
	a := NewAuthenticator()
	a.AuthDuration = 20 * time.Millisecond

	start := time.Now()
	ok, err := a.Authenticate("user", "nodomain", "password")
	elapsed := time.Since(start)

	if ok || err != nil {
		t.Errorf("unexpected result: %v %v", ok, err)
	}
	if elapsed < a.AuthDuration {
		t.Errorf("authentication was too fast: %v", elapsed)
	}
}
