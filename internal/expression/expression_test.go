package expression

import (
	"strings"
	"testing"

	"github.com/dtolnay/mailingset/internal/set"
)

// Test lists over a 3-bit universe: each member address is a bitmap of
// which of the three lists it belongs to.
var testLists = map[string]struct {
	symbol string
	addrs  *set.String
}{
	"alist": {"AA", set.NewString("001", "011", "101", "111")},
	"blist": {"BB", set.NewString("010", "011", "110", "111")},
	"clist": {"CC", set.NewString("100", "101", "110", "111")},
	"empty": {"xx", set.NewString()},
}

var errUnknown = SyntaxError("No such list or person: unknown")

func testResolver(name string) (string, *set.String, error) {
	l, ok := testLists[name]
	if !ok {
		return "", nil, errUnknown
	}
	return l.symbol, l.addrs, nil
}

func TestParse(t *testing.T) {
	cases := []struct {
		expr  string
		tag   string
		addrs []string
	}{
		{"alist", "Alist", []string{"001", "011", "101", "111"}},
		{"{alist}", "AA", []string{"001", "011", "101", "111"}},
		{"alist_|_blist", "AA|BB",
			[]string{"001", "010", "011", "101", "110", "111"}},
		{"alist_&_blist", "AA&BB", []string{"011", "111"}},
		{"alist_-_blist", "AA-BB", []string{"001", "101"}},

		// Associative operators chain without parentheses; surplus
		// parentheses around them are elided from the tag.
		{"alist_|_blist_|_clist", "AA|BB|CC",
			[]string{"001", "010", "011", "100", "101", "110", "111"}},
		{"alist_|_{blist_|_clist}", "AA|BB|CC",
			[]string{"001", "010", "011", "100", "101", "110", "111"}},
		{"alist_&_blist_&_clist", "AA&BB&CC", []string{"111"}},

		// Difference is left associative, and keeps parentheses on the
		// right-hand side only.
		{"alist_-_blist_-_clist", "AA-BB-CC", []string{"001"}},
		{"{alist_-_clist}_-_blist", "AA-CC-BB", []string{"001"}},
		{"alist_-_{clist_-_blist}", "AA-(CC-BB)", []string{"001", "011", "111"}},
		{"alist_-_{blist_|_clist}", "AA-(BB|CC)", []string{"001"}},
		{"{alist_-_blist}_|_clist", "(AA-BB)|CC",
			[]string{"001", "100", "101", "110", "111"}},
		{"{alist_|_blist}_&_clist_&_blist", "(AA|BB)&CC&BB",
			[]string{"110", "111"}},

		// A vanilla address that evaluates to nothing is not an error.
		{"empty", "Empty", []string{}},
	}

	for _, c := range cases {
		tag, addrs, err := Parse(testResolver, c.expr)
		if err != nil {
			t.Errorf("%q: unexpected error %v", c.expr, err)
			continue
		}
		if tag != c.tag {
			t.Errorf("%q: expected tag %q, got %q", c.expr, c.tag, tag)
		}
		if expect := set.NewString(c.addrs...); !addrs.Equal(expect) {
			t.Errorf("%q: expected addrs %v, got %v",
				c.expr, expect.Values(), addrs.Values())
		}
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		expr string
		err  string
	}{
		{"alist_-_alist", "No recipients match this set expression"},
		{"{empty}", "No recipients match this set expression"},
		{"alist_&_blist_|_clist",
			"Parentheses required when mixing different operators"},
		{"alist_-_blist_&_clist",
			"Parentheses required when mixing different operators"},
		{"alist_+_blist", "Unrecognized syntax near character 6"},
		{"alist!", "Unrecognized syntax near character 6"},
		{"{alist}blist", "Misplaced list or person name"},
		{"_|_alist", "Misplaced union operator"},
		{"_&_alist", "Misplaced intersection operator"},
		{"_-_alist", "Misplaced difference operator"},
		{"{alist", "Unmatched opening parenthesis"},
		{"{alist_&_blist}}", "Unmatched closing parenthesis"},
		{"alist{blist}", "Misplaced opening parenthesis"},
		{"alist_&_}", "Misplaced closing parenthesis"},
		{"}alist", "Misplaced closing parenthesis"},
		{"", "Incomplete set expression"},
		{"alist_&_", "Incomplete set expression"},
		{"unknown", "No such list or person: unknown"},
		{"alist_&_unknown", "No such list or person: unknown"},
	}

	for _, c := range cases {
		_, _, err := Parse(testResolver, c.expr)
		if err == nil {
			t.Errorf("%q: expected error %q, got none", c.expr, c.err)
			continue
		}
		if err.Error() != c.err {
			t.Errorf("%q: expected error %q, got %q", c.expr, c.err, err)
		}
	}
}

// The tag of any expression with operators must itself re-parse to the same
// set, when the symbols are taken as list names. This is what makes the
// minimal parenthesization in tags safe.
func TestTagPreservesMeaning(t *testing.T) {
	tagLists := map[string]struct {
		symbol string
		addrs  *set.String
	}{
		"aa": testLists["alist"],
		"bb": testLists["blist"],
		"cc": testLists["clist"],
	}
	tagResolver := func(name string) (string, *set.String, error) {
		l, ok := tagLists[strings.ToLower(name)]
		if !ok {
			return "", nil, SyntaxError("No such list or person: " + name)
		}
		return l.symbol, l.addrs, nil
	}

	exprs := []string{
		"alist_|_blist_|_clist",
		"alist_-_blist_-_clist",
		"alist_-_{blist_|_clist}",
		"{alist_-_clist}_-_blist",
		"alist_-_{clist_-_blist}",
		"{alist_|_blist}_&_clist",
	}

	for _, expr := range exprs {
		tag, addrs, err := Parse(testResolver, expr)
		if err != nil {
			t.Fatalf("%q: %v", expr, err)
		}

		// Turn the tag back into expression syntax and re-evaluate.
		reExpr := ""
		for _, r := range tag {
			switch r {
			case '|', '&', '-':
				reExpr += "_" + string(r) + "_"
			case '(':
				reExpr += "{"
			case ')':
				reExpr += "}"
			default:
				reExpr += string(r)
			}
		}

		_, reAddrs, err := Parse(tagResolver, reExpr)
		if err != nil {
			t.Errorf("%q: tag %q does not re-parse: %v", expr, tag, err)
			continue
		}
		if !reAddrs.Equal(addrs) {
			t.Errorf("%q: tag %q evaluates to %v, expected %v",
				expr, tag, reAddrs.Values(), addrs.Values())
		}
	}
}
