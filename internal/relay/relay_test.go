package relay

import (
	"strings"
	"testing"

	"github.com/dtolnay/mailingset/internal/expression"
	"github.com/dtolnay/mailingset/internal/message"
	"github.com/dtolnay/mailingset/internal/set"
)

var lists = map[string]struct {
	symbol string
	addrs  *set.String
}{
	"alist": {"AA", set.NewString("a1@x", "a2@x")},
	"blist": {"BB", set.NewString("a2@x", "b1@x")},
}

func resolver(name string) (string, *set.String, error) {
	l, ok := lists[name]
	if !ok {
		return "", nil, expression.SyntaxError("No such list or person: " + name)
	}
	return l.symbol, l.addrs, nil
}

func TestEvaluate(t *testing.T) {
	r := New(resolver, "test.local")

	rcpt, err := r.Evaluate("alist_&_blist")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if rcpt.Expr != "alist_&_blist" || rcpt.Tag != "AA&BB" {
		t.Errorf("unexpected rcpt: %+v", rcpt)
	}
	if !rcpt.Addrs.Equal(set.NewString("a2@x")) {
		t.Errorf("unexpected addrs: %v", rcpt.Addrs.Values())
	}

	if _, err := r.Evaluate("alist_-_alist"); err == nil ||
		err.Error() != "No recipients match this set expression" {
		t.Errorf("expected empty-set error, got %v", err)
	}
}

func TestDecorate(t *testing.T) {
	r := New(resolver, "test.local")
	rcpt, err := r.Evaluate("alist_&_blist")
	if err != nil {
		t.Fatal(err)
	}

	m := message.Parse([]byte(
		"From: someone@elsewhere\nSubject: hi\nList-Id: <old>\n\nbody\n"))
	r.Decorate(rcpt, m)

	expect := map[string]string{
		"Subject":    "[AA&BB] hi",
		"Precedence": "list",
		"List-Id":    "<alist_&_blist.mailingset.test.local>",
		"List-Post":  "<mailto:alist_&_blist@test.local>",
	}
	for name, value := range expect {
		if v, _ := m.Get(name); v != value {
			t.Errorf("%s: got %q, expected %q", name, v, value)
		}
	}

	if strings.Contains(string(m.Bytes()), "<old>") {
		t.Errorf("old List-Id survived: %q", m.Bytes())
	}
}

func TestDecorateKeepsPrecedence(t *testing.T) {
	r := New(resolver, "test.local")
	rcpt, _ := r.Evaluate("alist")

	m := message.Parse([]byte("Precedence: bulk\nSubject: s\n\nb\n"))
	r.Decorate(rcpt, m)

	if v, _ := m.Get("Precedence"); v != "bulk" {
		t.Errorf("Precedence overwritten: %q", v)
	}
}

func TestDecorateBadSubject(t *testing.T) {
	r := New(resolver, "test.local")
	rcpt, _ := r.Evaluate("alist")

	// A subject that cannot be decoded is left alone; the rest of the
	// decoration still happens.
	m := message.Parse([]byte("Subject: =?broken-charset?q?x?=\n\nb\n"))
	r.Decorate(rcpt, m)

	if v, _ := m.Get("Subject"); v != "=?broken-charset?q?x?=" {
		t.Errorf("Subject modified: %q", v)
	}
	if v, _ := m.Get("List-Id"); v != "<alist.mailingset.test.local>" {
		t.Errorf("List-Id missing: %q", v)
	}
}
