package expression

import "strconv"

// tokenStream lexes an expression on demand, keeping one token of
// lookahead. Leaf names are resolved as they are lexed, so resolution
// errors surface in stream order.
type tokenStream struct {
	resolver Resolver
	input    string
	pos      int

	head *token
}

func newTokenStream(resolver Resolver, input string) (*tokenStream, error) {
	ts := &tokenStream{resolver: resolver, input: input}

	head, err := ts.lex()
	if err != nil {
		return nil, err
	}
	ts.head = head
	return ts, nil
}

// peek returns the next token without consuming it.
func (ts *tokenStream) peek() *token {
	return ts.head
}

// next consumes and returns the next token, lexing one token ahead of it.
func (ts *tokenStream) next() (*token, error) {
	t := ts.head

	head, err := ts.lex()
	if err != nil {
		return nil, err
	}
	ts.head = head
	return t, nil
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isSeparator(c byte) bool {
	return c == '_' || c == '.' || c == '-'
}

// lex produces the next token from the input. Once the input is exhausted
// it keeps returning the end token, which the parser never consumes.
func (ts *tokenStream) lex() (*token, error) {
	if ts.pos >= len(ts.input) {
		return endToken, nil
	}

	switch c := ts.input[ts.pos]; {
	case isAlnum(c):
		return ts.lexLeaf()

	case c == '{':
		ts.pos++
		return lparenToken, nil

	case c == '}':
		ts.pos++
		return rparenToken, nil

	case c == '_' && ts.pos+2 < len(ts.input) && ts.input[ts.pos+2] == '_':
		var t *token
		switch ts.input[ts.pos+1] {
		case '|':
			t = unionToken
		case '&':
			t = intersectionToken
		case '-':
			t = differenceToken
		}
		if t != nil {
			ts.pos += 3
			return t, nil
		}
	}

	// Positions in the error message are 1-based: they count characters the
	// way a human reading the address would.
	return nil, SyntaxError(
		"Unrecognized syntax near character " + strconv.Itoa(ts.pos+1))
}

// lexLeaf consumes a leaf name: alphanumeric runs joined by single
// separator characters. A separator is part of the name only when an
// alphanumeric character follows it, which is what keeps alist_|_blist from
// lexing as one leaf.
func (ts *tokenStream) lexLeaf() (*token, error) {
	start := ts.pos
	for ts.pos < len(ts.input) && isAlnum(ts.input[ts.pos]) {
		ts.pos++
	}
	for ts.pos+1 < len(ts.input) &&
		isSeparator(ts.input[ts.pos]) && isAlnum(ts.input[ts.pos+1]) {
		ts.pos += 2
		for ts.pos < len(ts.input) && isAlnum(ts.input[ts.pos]) {
			ts.pos++
		}
	}
	name := ts.input[start:ts.pos]

	symbol, addrs, err := ts.resolver(name)
	if err != nil {
		return nil, err
	}
	return &token{kind: tokenLeaf, lbp: lbpLeaf, tag: symbol, addrs: addrs}, nil
}
