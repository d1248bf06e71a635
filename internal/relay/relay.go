// Package relay glues the set-expression engine to the mail path: it
// evaluates recipient addresses into concrete recipient sets, and
// decorates messages with their list identity before they go out.
package relay

import (
	"fmt"

	"github.com/dtolnay/mailingset/internal/envelope"
	"github.com/dtolnay/mailingset/internal/expression"
	"github.com/dtolnay/mailingset/internal/message"
	"github.com/dtolnay/mailingset/internal/subject"
)

// Relay evaluates recipient expressions against a membership resolver, for
// lists under the given domain.
type Relay struct {
	resolver expression.Resolver
	domain   string
}

// New returns a Relay using the given resolver, for the given domain.
func New(resolver expression.Resolver, domain string) *Relay {
	return &Relay{resolver: resolver, domain: domain}
}

// Evaluate parses the local part of a recipient address as a set
// expression, returning the recipient with its subject tag and evaluated
// addresses. Errors carry text suitable for an SMTP bounce response.
func (r *Relay) Evaluate(local string) (*envelope.Rcpt, error) {
	tag, addrs, err := expression.Parse(r.resolver, local)
	if err != nil {
		return nil, err
	}

	return &envelope.Rcpt{Expr: local, Tag: tag, Addrs: addrs}, nil
}

// Decorate rewrites the headers of msg for delivery to rcpt: the subject
// gets the bracketed tag, and the message is marked as mailing list
// traffic.
//
// Subject decode errors are swallowed: a message whose Subject we cannot
// understand is forwarded with its Subject unchanged.
func (r *Relay) Decorate(rcpt *envelope.Rcpt, msg *message.Message) {
	_ = subject.Rewrite("["+rcpt.Tag+"] ", 0, msg)

	if !msg.Has("Precedence") {
		msg.Set("Precedence", "list")
	}

	msg.Set("List-Id", fmt.Sprintf("<%s.mailingset.%s>", rcpt.Expr, r.domain))
	msg.Set("List-Post", fmt.Sprintf("<mailto:%s@%s>", rcpt.Expr, r.domain))
}
