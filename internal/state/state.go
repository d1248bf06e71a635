// Package state implements the membership snapshot: an immutable cache of
// the mailing lists on this server, loaded once at startup and shared by
// every connection for the lifetime of the process.
//
// # List files
//
// Every regular file in the lists directory defines one mailing list; the
// file name is the list name. Each non-blank line is one member, in any of
// the formats used by common list-management tooling:
//
//	user@host
//	First Last <user@host>
//	"First Last" <user@host>
//
// A member address whose domain is the server domain and whose local part
// names another list is a nested list, and is expanded recursively. There
// is a limit on the nesting depth; exceeding it almost always means the
// lists form a cycle.
//
// # Symbols file
//
// Symbols are the short labels used to build subject tags. Lists get theirs
// from the symbols file, one "listname:SYMBOL" per line; every list must
// have one. People get their initials, in lowercase.
//
// # Identifiers
//
// Besides list names, queries can use an "individual identifier": the first
// name, middle name, last name, username, or period-joined full name of a
// member, as long as it uniquely identifies one person.
package state

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dtolnay/mailingset/internal/envelope"
	"github.com/dtolnay/mailingset/internal/set"
)

// How deeply mailing lists may nest. Deeper than this almost certainly
// means two lists contain each other.
const nestLimit = 10

// ErrNestingTooDeep is returned by Load when list nesting exceeds the
// limit.
var ErrNestingTooDeep = fmt.Errorf(
	"Maximum recursion depth exceeded; lists might have a cycle")

// UnknownNameError is returned by Resolve when a name matches neither a
// list nor a person. The text is included in SMTP bounce responses.
type UnknownNameError string

// Error implements the error interface.
func (e UnknownNameError) Error() string {
	return "No such list or person: " + string(e)
}

// AmbiguousPersonError is returned by Resolve when an identifier matches
// more than one person. The text is included in SMTP bounce responses.
type AmbiguousPersonError string

// Error implements the error interface.
func (e AmbiguousPersonError) Error() string {
	return "Ambiguous person: " + string(e)
}

// member is one list-file line: a display name (possibly empty) and a
// lower-cased address.
type member struct {
	name string
	addr string
}

// aliasValue is what an individual identifier maps to. An identifier that
// was claimed by more than one address is ambiguous, and stays ambiguous no
// matter what is inserted for it afterwards.
type aliasValue struct {
	addr      string
	ambiguous bool
}

// State is the membership snapshot. It is immutable after Load, so any
// number of connection handlers may query it concurrently without locking.
type State struct {
	domain string

	// List name -> flattened member addresses.
	lists map[string]*set.String

	// Individual identifier -> address.
	aliases map[string]aliasValue

	// List name or member address -> subject-tag symbol.
	symbols map[string]string
}

// Load builds the snapshot from the list files in listsDir and the symbols
// in symbolsFile. The domain is the one mailing list addresses use; member
// addresses under it are candidates for nested-list expansion.
func Load(listsDir, symbolsFile, domain string) (*State, error) {
	s := &State{
		domain:  domain,
		lists:   map[string]*set.String{},
		aliases: map[string]aliasValue{},
		symbols: map[string]string{},
	}

	members, err := readLists(listsDir)
	if err != nil {
		return nil, err
	}

	// Flatten nested lists.
	raw := map[string]*set.String{}
	for lname, ms := range members {
		raw[lname] = set.NewString()
		for _, m := range ms {
			raw[lname].Add(m.addr)
		}
	}
	for lname := range members {
		s.lists[lname], err = s.flatten(lname, raw, 0)
		if err != nil {
			return nil, err
		}
	}

	if err := s.loadSymbols(symbolsFile, members); err != nil {
		return nil, err
	}
	s.loadAliases(members)

	return s, s.checkSymbols()
}

// Resolve a list name or individual identifier into its subject-tag symbol
// and set of recipient addresses.
//
// List names take precedence over identifiers, even when an identifier
// spells the same string: that way it is always possible to address a
// message to every list on the server.
func (s *State) Resolve(name string) (string, *set.String, error) {
	name = strings.ToLower(name)

	if addrs, ok := s.lists[name]; ok {
		return s.symbols[name], addrs, nil
	}

	if v, ok := s.aliases[name]; ok {
		if v.ambiguous {
			return "", nil, AmbiguousPersonError(name)
		}
		return s.symbols[v.addr], set.NewString(v.addr), nil
	}

	return "", nil, UnknownNameError(name)
}

// Lists returns the names of the lists in the snapshot, sorted.
func (s *State) Lists() []string {
	names := make([]string, 0, len(s.lists))
	for name := range s.lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// readLists reads every list file in the directory, without flattening.
func readLists(dir string) (map[string][]member, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading lists directory: %v", err)
	}

	members := map[string][]member{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		ms, err := readMembers(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		members[strings.ToLower(entry.Name())] = ms
	}

	return members, nil
}

func readMembers(path string) ([]member, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var members []member
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		members = append(members, splitLine(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %q: %v", path, err)
	}

	return members, nil
}

// splitLine separates a member line into display name and address. The
// name is empty when the line is a bare address. No validation is done;
// garbage in, garbage out.
func splitLine(line string) member {
	name, addr, found := strings.Cut(line, "<")
	if !found {
		return member{addr: strings.ToLower(strings.TrimSpace(line))}
	}

	name = strings.TrimSpace(name)
	name = strings.TrimSpace(strings.Trim(name, `"`))
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, ""))
	addr = strings.ToLower(strings.TrimRight(strings.TrimSpace(addr), ">"))
	return member{name: name, addr: addr}
}

// flatten recursively replaces members that are themselves lists on this
// server with their members.
func (s *State) flatten(lname string, raw map[string]*set.String, depth int) (*set.String, error) {
	if depth > nestLimit {
		return nil, ErrNestingTooDeep
	}

	result := set.NewString()
	for _, addr := range raw[lname].Values() {
		local, domain := envelope.Split(addr)
		if domain == s.domain && raw[local] != nil {
			sub, err := s.flatten(local, raw, depth+1)
			if err != nil {
				return nil, err
			}
			result.Add(sub.Values()...)
		} else {
			result.Add(addr)
		}
	}

	return result, nil
}

func (s *State) loadSymbols(path string, members map[string][]member) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error reading symbols file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		lname, symbol, found := strings.Cut(line, ":")
		if !found {
			return fmt.Errorf("invalid symbols line %q", line)
		}
		// The symbol keeps its case; it goes in subject tags as written.
		s.symbols[strings.ToLower(lname)] = symbol
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading symbols file: %v", err)
	}

	// People are tagged by their initials.
	for _, ms := range members {
		for _, m := range ms {
			if m.name != "" {
				s.symbols[strings.ToLower(m.addr)] = initials(m.name)
			}
		}
	}

	return nil
}

func initials(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Characters stripped from name-derived identifier keys.
var invalidAliasChars = regexp.MustCompile(`[^a-z0-9.]`)

func (s *State) loadAliases(members map[string][]member) {
	insert := func(key, addr string, clean bool) {
		if clean {
			key = invalidAliasChars.ReplaceAllString(key, "")
		}
		if v, ok := s.aliases[key]; ok && (v.ambiguous || v.addr != addr) {
			s.aliases[key] = aliasValue{ambiguous: true}
			return
		}
		s.aliases[key] = aliasValue{addr: addr}
	}

	for _, ms := range members {
		for _, m := range ms {
			if m.name == "" {
				continue
			}

			// Username.
			insert(envelope.UserOf(m.addr), m.addr, false)

			// First name, middle name, last name.
			words := strings.Fields(strings.ToLower(m.name))
			for _, word := range words {
				insert(word, m.addr, true)
			}

			// Period-joined full name.
			insert(strings.Join(words, "."), m.addr, true)
		}
	}
}

// checkSymbols verifies that every list has a symbol, so tag construction
// can never come up empty-handed.
func (s *State) checkSymbols() error {
	var missing []string
	for lname := range s.lists {
		if _, ok := s.symbols[lname]; !ok {
			missing = append(missing, lname)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("These mailing lists are missing symbols: %s",
			strings.Join(missing, ", "))
	}
	return nil
}
