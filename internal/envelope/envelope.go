// Package envelope implements functions related to handling email envelopes,
// and the evaluated-recipient type that the server and queue pass around.
package envelope

import (
	"strings"

	"github.com/dtolnay/mailingset/internal/set"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// Rcpt is one accepted RCPT address: the set expression that came in the
// local-part, the subject tag it produced, and the concrete addresses it
// evaluated to.
type Rcpt struct {
	// Expr is the original local-part, e.g. "alist_&_blist".
	Expr string

	// Tag is the subject tag for the expression, e.g. "AA&BB".
	Tag string

	// Addrs are the evaluated recipient addresses.
	Addrs *set.String
}
