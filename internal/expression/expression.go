// Package expression implements the set-expression language that appears in
// the local part of recipient addresses.
//
// An expression combines mailing list names and person identifiers with
// three operators: _|_ for set union, _&_ for set intersection, and _-_ for
// set difference. Curly braces are used for grouping, and are required
// whenever operators of different kinds meet at the same level:
//
//	sf_&_{dog_|_cat}     people in sf who are in dog or in cat
//	{sf_&_dog}_|_cat     people in sf and dog, plus everyone in cat
//	sf_&_dog_|_cat       INVALID, needs explicit grouping
//	sf_-_dog_-_cat       difference is left associative
//
// Parsing evaluates the expression to a set of addresses, and at the same
// time builds the subject tag: a compact rendering of the expression with
// the minimum parenthesization that preserves its meaning.
//
// Error messages returned by this package are included verbatim in SMTP
// responses, so senders see them in bounces; their text is stable.
package expression

import (
	"strings"

	"github.com/dtolnay/mailingset/internal/set"
)

// Resolver maps a leaf name (a mailing list name or a person identifier) to
// its subject-tag symbol and set of recipient addresses.
type Resolver func(name string) (symbol string, addrs *set.String, err error)

// SyntaxError is an error in a set expression. The text is suitable for
// direct inclusion in an SMTP bounce response.
type SyntaxError string

// Error implements the error interface.
func (e SyntaxError) Error() string { return string(e) }

// Errors returned by Parse, in addition to whatever the Resolver returns.
var (
	errMisplacedName  = SyntaxError("Misplaced list or person name")
	errMisplacedOpen  = SyntaxError("Misplaced opening parenthesis")
	errMisplacedClose = SyntaxError("Misplaced closing parenthesis")
	errUnmatchedOpen  = SyntaxError("Unmatched opening parenthesis")
	errUnmatchedClose = SyntaxError("Unmatched closing parenthesis")
	errMixedOperators = SyntaxError(
		"Parentheses required when mixing different operators")
	errIncomplete = SyntaxError("Incomplete set expression")

	// ErrNoRecipients is returned when a set operation evaluated to the
	// empty set.
	ErrNoRecipients = SyntaxError("No recipients match this set expression")
)

// Left binding powers. They control how tightly each token kind binds to the
// tokens that follow it; the end-of-input token binds loosest of all so the
// parser never consumes past it.
const (
	lbpEnd = iota
	lbpParen
	lbpOp
	lbpLeaf
)

type tokenKind int

const (
	tokenLeaf tokenKind = iota
	tokenOp
	tokenLParen
	tokenRParen
	tokenEnd
)

// token is a tagged variant over the lexical elements of an expression.
// Which fields are meaningful depends on the kind.
type token struct {
	kind tokenKind
	lbp  int

	// Leaf: subject-tag symbol and resolved addresses.
	tag   string
	addrs *set.String

	// Operator: human-readable name, display symbol, set operation, and
	// whether the operation is associative. Associative operators do not
	// need parentheses between applications of themselves.
	opName string
	symbol string
	apply  func(a, b *set.String) *set.String
	assoc  bool
}

var (
	lparenToken = &token{kind: tokenLParen, lbp: lbpParen}
	rparenToken = &token{kind: tokenRParen, lbp: lbpParen}
	endToken    = &token{kind: tokenEnd, lbp: lbpEnd}

	unionToken = &token{kind: tokenOp, lbp: lbpOp, opName: "union",
		symbol: "|", apply: (*set.String).Union, assoc: true}
	intersectionToken = &token{kind: tokenOp, lbp: lbpOp, opName: "intersection",
		symbol: "&", apply: (*set.String).Intersection, assoc: true}
	differenceToken = &token{kind: tokenOp, lbp: lbpOp, opName: "difference",
		symbol: "-", apply: (*set.String).Difference, assoc: false}
)

// node is the result of evaluating a (sub)expression: its subject tag, its
// addresses, and the token that produced it. The producer lets an enclosing
// operator decide whether the child's tag needs parenthesizing.
type node struct {
	tag   string
	addrs *set.String
	prod  *token
}

// Parse evaluates the set expression in the local part of an address,
// returning the subject tag and the evaluated set of recipient addresses.
//
// An address with no operators or braces is a "vanilla" address: a bare
// reference to a single list or person. For those the tag is the capitalized
// input, and an empty result is not an error. This keeps single-list
// addresses behaving like a plain mailing list handler would.
func Parse(resolver Resolver, addr string) (string, *set.String, error) {
	ts, err := newTokenStream(resolver, addr)
	if err != nil {
		return "", nil, err
	}

	n, err := expression(ts, 0)
	if err != nil {
		return "", nil, err
	}

	tag := n.tag
	if isVanilla(addr) {
		tag = strings.ToUpper(addr[:1]) + strings.ToLower(addr[1:])
	} else if n.addrs.Len() == 0 {
		return "", nil, ErrNoRecipients
	}

	return tag, n.addrs, nil
}

func isVanilla(addr string) bool {
	for _, s := range []string{"_|_", "_&_", "_-_", "{", "}"} {
		if strings.Contains(addr, s) {
			return false
		}
	}
	return true
}

// expression is a Pratt parser with one modification: it requires explicit
// parenthesization when different operators appear at the same level, since
// an expression like sf_&_dog_|_cat is ambiguous to humans even though the
// parser itself would happily take it left to right.
//
// Subexpressions are consumed while the adjoining token binds tighter than
// rbp.
func expression(ts *tokenStream, rbp int) (*node, error) {
	t, err := ts.next()
	if err != nil {
		return nil, err
	}
	left, err := parsePrefix(ts, t)
	if err != nil {
		return nil, err
	}

	// Most recent adjoining operator, to check they are all of one kind.
	var prevOp *token

	for rbp < ts.peek().lbp {
		if pk := ts.peek(); pk.kind == tokenOp &&
			prevOp != nil && prevOp.symbol != pk.symbol {
			return nil, errMixedOperators
		}

		t, err := ts.next()
		if err != nil {
			return nil, err
		}

		switch t.kind {
		case tokenOp:
			prevOp = t
			left, err = leftDenotation(ts, t, left)
			if err != nil {
				return nil, err
			}
		case tokenLeaf:
			return nil, errMisplacedName
		case tokenLParen:
			return nil, errMisplacedOpen
		default: // tokenRParen; tokenEnd never binds.
			return nil, errUnmatchedClose
		}
	}

	return left, nil
}

// parsePrefix handles a token in prefix position: the start of an
// expression or subexpression.
func parsePrefix(ts *tokenStream, t *token) (*node, error) {
	switch t.kind {
	case tokenLeaf:
		return &node{t.tag, t.addrs, t}, nil

	case tokenLParen:
		inner, err := expression(ts, lbpParen)
		if err != nil {
			return nil, err
		}

		// Everything up to the matching closing parenthesis must have been
		// consumed. Peek first and consume after the check, so that the
		// end-of-input token is never consumed.
		if ts.peek().kind != tokenRParen {
			return nil, errUnmatchedOpen
		}
		if _, err := ts.next(); err != nil {
			return nil, err
		}

		return inner, nil

	case tokenOp:
		return nil, SyntaxError("Misplaced " + t.opName + " operator")

	case tokenRParen:
		return nil, errMisplacedClose

	default: // tokenEnd
		return nil, errIncomplete
	}
}

// leftDenotation applies an operator to the expression on its left and the
// expression that follows it.
func leftDenotation(ts *tokenStream, op *token, left *node) (*node, error) {
	right, err := expression(ts, op.lbp)
	if err != nil {
		return nil, err
	}

	tag := parenthesize(op, left, true) + op.symbol +
		parenthesize(op, right, op.assoc)
	return &node{tag, op.apply(left.addrs, right.addrs), op}, nil
}

// parenthesize returns the child's tag, wrapped in parentheses if omitting
// them would change the meaning of the combined expression. Parentheses can
// be omitted when the child binds tighter than op, or when the child was
// produced by the same operator and it either sits on the left or op is
// associative (so A-B-C renders without parens but A-(B-C) keeps them).
func parenthesize(op *token, child *node, leftOrAssoc bool) string {
	if child.prod.lbp > op.lbp {
		return child.tag
	}
	if child.prod.symbol == op.symbol && leftOrAssoc {
		return child.tag
	}
	return "(" + child.tag + ")"
}
