package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dtolnay/mailingset/internal/set"
	"github.com/dtolnay/mailingset/internal/testlib"
)

// writeFixture writes a lists directory and symbols file, and returns
// their paths.
func writeFixture(t *testing.T, dir string, lists map[string]string, symbols string) (string, string) {
	t.Helper()

	listsDir := filepath.Join(dir, "lists")
	if err := os.MkdirAll(listsDir, 0700); err != nil {
		t.Fatal(err)
	}
	for name, contents := range lists {
		testlib.Rewrite(t, filepath.Join(listsDir, name), contents)
	}

	symbolsFile := filepath.Join(dir, "symbols.txt")
	testlib.Rewrite(t, symbolsFile, symbols)
	return listsDir, symbolsFile
}

var testFixture = map[string]string{
	"simple": "a@test.local\nYy Zz <b@test.local>\n",
	"complex": "a@test.local\n" +
		`"Ww Xx Yy" <c@test.local>` + "\n" +
		"Yy Zz <b@test.local>\n",
	"nested": "simple@test.local\nWw Xx Yy <c@test.local>\n",
	"empty":  "\n",
	"misc": "Simple Person <p@test.local>\n" +
		"Ann-Marie O'Hara <am@remote.org>\n",
}

const testSymbols = "simple:S\ncomplex:T\nnested:N\nempty:x\nmisc:M\n\n"

func loadTestState(t *testing.T) *State {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	listsDir, symbolsFile := writeFixture(t, dir, testFixture, testSymbols)
	s, err := Load(listsDir, symbolsFile, "test.local")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return s
}

func TestResolve(t *testing.T) {
	s := loadTestState(t)

	cases := []struct {
		name   string
		symbol string
		addrs  []string
	}{
		// Lists; nested lists come back flattened.
		{"simple", "S", []string{"a@test.local", "b@test.local"}},
		{"complex", "T", []string{"a@test.local", "b@test.local", "c@test.local"}},
		{"nested", "N", []string{"a@test.local", "b@test.local", "c@test.local"}},
		{"empty", "x", []string{}},
		{"misc", "M", []string{"am@remote.org", "p@test.local"}},

		// Queries are case-insensitive.
		{"Simple", "S", []string{"a@test.local", "b@test.local"}},

		// People, by username, partial name, and full name.
		{"b", "yz", []string{"b@test.local"}},
		{"zz", "yz", []string{"b@test.local"}},
		{"yy.zz", "yz", []string{"b@test.local"}},
		{"c", "wxy", []string{"c@test.local"}},
		{"ww", "wxy", []string{"c@test.local"}},
		{"ww.xx.yy", "wxy", []string{"c@test.local"}},

		// Name-derived keys are cleaned of invalid characters; the
		// username key is not cleaned.
		{"am", "ao", []string{"am@remote.org"}},
		{"annmarie", "ao", []string{"am@remote.org"}},
		{"ohara", "ao", []string{"am@remote.org"}},
		{"annmarie.ohara", "ao", []string{"am@remote.org"}},
	}

	for _, c := range cases {
		symbol, addrs, err := s.Resolve(c.name)
		if err != nil {
			t.Errorf("%q: unexpected error %v", c.name, err)
			continue
		}
		if symbol != c.symbol {
			t.Errorf("%q: expected symbol %q, got %q", c.name, c.symbol, symbol)
		}
		if expect := set.NewString(c.addrs...); !addrs.Equal(expect) {
			t.Errorf("%q: expected addrs %v, got %v",
				c.name, expect.Values(), addrs.Values())
		}
	}
}

func TestResolveErrors(t *testing.T) {
	s := loadTestState(t)

	// "yy" is a name word of both b and c.
	_, _, err := s.Resolve("yy")
	var ambiguous AmbiguousPersonError
	if !errors.As(err, &ambiguous) {
		t.Errorf("expected AmbiguousPersonError, got %v", err)
	}
	if err.Error() != "Ambiguous person: yy" {
		t.Errorf("unexpected error text: %q", err.Error())
	}

	_, _, err = s.Resolve("missing")
	var unknown UnknownNameError
	if !errors.As(err, &unknown) {
		t.Errorf("expected UnknownNameError, got %v", err)
	}
	if err.Error() != "No such list or person: missing" {
		t.Errorf("unexpected error text: %q", err.Error())
	}
}

// A list always wins over a person identifier of the same name, so every
// list stays addressable.
func TestListPrecedence(t *testing.T) {
	s := loadTestState(t)

	// "simple" is both a list and the first name of p@test.local.
	symbol, addrs, err := s.Resolve("simple")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if symbol != "S" {
		t.Errorf("expected symbol S, got %q", symbol)
	}
	if !addrs.Equal(set.NewString("a@test.local", "b@test.local")) {
		t.Errorf("expected the list members, got %v", addrs.Values())
	}

	// The identifier still works through other keys.
	if _, _, err := s.Resolve("person"); err != nil {
		t.Errorf("resolving 'person': %v", err)
	}
}

func TestLists(t *testing.T) {
	s := loadTestState(t)

	expected := []string{"complex", "empty", "misc", "nested", "simple"}
	got := s.Lists()
	if len(got) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, got)
		}
	}
}

func TestNestingCycle(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	listsDir, symbolsFile := writeFixture(t, dir, map[string]string{
		"ying": "yang@test.local\n",
		"yang": "ying@test.local\n",
	}, "ying:Y\nyang:Z\n")

	_, err := Load(listsDir, symbolsFile, "test.local")
	if !errors.Is(err, ErrNestingTooDeep) {
		t.Errorf("expected ErrNestingTooDeep, got %v", err)
	}
}

func TestDeepNesting(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	// A chain of 10 lists (nine levels of nesting) is fine; the bottom one
	// has a real member.
	lists := map[string]string{"l9": "final@elsewhere.org\n"}
	symbols := "l9:S9\n"
	for i := 8; i >= 0; i-- {
		lists["l"+string(rune('0'+i))] = "l" + string(rune('0'+i+1)) + "@test.local\n"
		symbols += "l" + string(rune('0'+i)) + ":S\n"
	}

	listsDir, symbolsFile := writeFixture(t, dir, lists, symbols)
	s, err := Load(listsDir, symbolsFile, "test.local")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	_, addrs, err := s.Resolve("l0")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !addrs.Equal(set.NewString("final@elsewhere.org")) {
		t.Errorf("expected the final member, got %v", addrs.Values())
	}
}

func TestMissingSymbol(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	listsDir, symbolsFile := writeFixture(t, dir, map[string]string{
		"haslist": "a@test.local\n",
		"nosym":   "b@test.local\n",
	}, "haslist:H\n")

	_, err := Load(listsDir, symbolsFile, "test.local")
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	expected := "These mailing lists are missing symbols: nosym"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
}

// Flattening twice must give the same answer as flattening once.
func TestFlattenIdempotent(t *testing.T) {
	s := loadTestState(t)

	raw := map[string]*set.String{}
	for name, addrs := range s.lists {
		raw[name] = addrs
	}

	for name := range s.lists {
		again, err := s.flatten(name, raw, 0)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if !again.Equal(s.lists[name]) {
			t.Errorf("%q: flattening changed %v to %v",
				name, s.lists[name].Values(), again.Values())
		}
	}
}

func TestSplitLine(t *testing.T) {
	cases := []struct {
		line, name, addr string
	}{
		{"user@host", "", "user@host"},
		{"  User@Host  ", "", "user@host"},
		{"First Last <user@host>", "First Last", "user@host"},
		{`"First Last" <user@host>`, "First Last", "user@host"},
		{`"O\'Hara, Ann" <ann@host>`, "O'Hara, Ann", "ann@host"},
		{"First Last <User@Host>", "First Last", "user@host"},
	}
	for _, c := range cases {
		m := splitLine(c.line)
		if m.name != c.name || m.addr != c.addr {
			t.Errorf("%q: got (%q, %q), expected (%q, %q)",
				c.line, m.name, m.addr, c.name, c.addr)
		}
	}
}

func TestInitials(t *testing.T) {
	cases := []struct{ name, expect string }{
		{"First Last", "fl"},
		{"Ww Xx Yy", "wxy"},
		{"single", "s"},
		{"Ñandú Grande", "ñg"},
	}
	for _, c := range cases {
		if got := initials(c.name); got != c.expect {
			t.Errorf("%q: got %q, expected %q", c.name, got, c.expect)
		}
	}
}

func TestAmbiguityIsSticky(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	// "pat" is claimed by two different addresses, and then seen again for
	// the first one. Go map iteration order varies, but whatever order the
	// inserts happen in, two distinct owners make the key ambiguous for
	// good.
	listsDir, symbolsFile := writeFixture(t, dir, map[string]string{
		"one": "Pat Aa <pa@test.local>\nPat Bb <pb@test.local>\nPat Aa <pa@test.local>\n",
	}, "one:O\n")

	s, err := Load(listsDir, symbolsFile, "test.local")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	_, _, err = s.Resolve("pat")
	var ambiguous AmbiguousPersonError
	if !errors.As(err, &ambiguous) {
		t.Errorf("expected AmbiguousPersonError, got %v", err)
	}

	// The unique keys still resolve.
	for name, addr := range map[string]string{
		"aa": "pa@test.local", "bb": "pb@test.local",
	} {
		_, addrs, err := s.Resolve(name)
		if err != nil {
			t.Errorf("%q: %v", name, err)
			continue
		}
		if !addrs.Equal(set.NewString(addr)) {
			t.Errorf("%q: got %v, expected %q", name, addrs.Values(), addr)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	listsDir, symbolsFile := writeFixture(t, dir,
		map[string]string{"l": "a@test.local\n"}, "l:L\n")

	if _, err := Load(listsDir+"/missing", symbolsFile, "d"); err == nil {
		t.Errorf("expected error on missing lists dir")
	}
	if _, err := Load(listsDir, symbolsFile+".missing", "d"); err == nil {
		t.Errorf("expected error on missing symbols file")
	}

	testlib.Rewrite(t, symbolsFile, "no colon here\n")
	if _, err := Load(listsDir, symbolsFile, "d"); err == nil ||
		!strings.Contains(err.Error(), "invalid symbols line") {
		t.Errorf("expected invalid symbols line error, got %v", err)
	}
}
