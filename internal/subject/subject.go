// Package subject rewrites the Subject header of a message to carry a
// list-specific prefix, like "[AA&BB] ".
//
// The rewrite is careful with mail as it exists in the wild: RFC 2047
// encoded words in one charset or several, folded headers, reply prefixes
// in a few languages, and subjects that already carry a previous copy of
// the prefix. It never touches anything but the Subject header.
package subject

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dtolnay/mailingset/internal/message"
)

// Reply prefixes we normalize into a single "Re: ": English, German,
// Swedish/Danish/Norwegian, and Finnish, optionally with a counter like
// "AW[2]:".
var replyPrefixRe = regexp.MustCompile(`^(?i:((RE|AW|SV|VS)(\[\d+\])?:\s*)+)`)

// Sequence-number verbs like %d or %05d inside a prefix.
var seqVerbRe = regexp.MustCompile(`%\d*d`)

// The charset used for the prefix chunk when the subject mixes charsets.
const listCharset = "us-ascii"

// Rewrite prepends prefix to the Subject header of msg, in place.
//
// A whitespace-only prefix is a no-op. seq is the list's sequence number,
// substituted for a %d / %Nd verb in the prefix; pass 0 when there is no
// sequence numbering and the prefix is used literally.
//
// On a decoding failure the message is left unchanged and the error is
// returned; callers are expected to forward the message as-is in that
// case.
func Rewrite(prefix string, seq int, msg *message.Message) error {
	if strings.TrimSpace(prefix) == "" {
		return nil
	}

	raw, _ := msg.Get("Subject")

	// Continuation whitespace of the incoming header, defaulting to tab.
	// It is passed to the strategies, which all write the new subject as a
	// single unfolded line and do not use it.
	ws := "\t"
	if lines := strings.SplitN(raw, "\n", 3); len(lines) > 1 && lines[1] != "" {
		if c := lines[1][0]; c == ' ' || c == '\t' {
			ws = string(c)
		}
	}

	// Pattern matching this prefix in a subject, so a previous copy of it
	// can be removed. Trailing whitespace is matched loosely, so a subject
	// that is exactly the bracketed tag still counts as carrying the
	// prefix. A sequence verb matches any number, so the pattern
	// recognizes prefixes from past sequence numbers too.
	pattern := regexp.QuoteMeta(strings.TrimRight(prefix, " \t")) + `\s*`
	if len(prefix) > 1 && seqVerbRe.MatchString(prefix[1:]) {
		pattern = seqVerbRe.ReplaceAllString(pattern, `\s*\d+\s*`)
		if seq > 0 {
			prefix = seqVerbRe.ReplaceAllStringFunc(prefix, func(verb string) string {
				return fmt.Sprintf(verb, seq)
			})
		}
	}
	prefixPat, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	chunks, err := decodeHeader(strings.ReplaceAll(raw, "\n", ""))
	if err != nil {
		return err
	}

	// Try the rewrite strategies from most to least common. The first one
	// that applies wins.
	for _, strategy := range []func(string, []chunk, *regexp.Regexp, string) (string, error){
		asciiSubject,
		uniformCharsetSubject,
		mixedCharsetSubject,
	} {
		newSubject, err := strategy(prefix, chunks, prefixPat, ws)
		if err != nil {
			return err
		}
		if newSubject != "" {
			msg.Set("Subject", newSubject)
			return nil
		}
	}

	return nil
}

func isASCIICharset(cs string) bool {
	switch strings.ToLower(cs) {
	case "", "ascii", "us-ascii":
		return true
	}
	return false
}

// munge is the common core of the single-charset strategies: pull a reply
// prefix off the front, remove previous copies of our prefix, and put the
// new prefix (and a normalized "Re: ") in front.
func munge(text, prefix string, prefixPat *regexp.Regexp) string {
	recolon := ""
	if loc := replyPrefixRe.FindStringIndex(text); loc != nil {
		text = text[loc[1]:]
		recolon = "Re: "
	}

	text = prefixPat.ReplaceAllString(text, "")

	// The subject may become null if someone posted mail with just the
	// prefix as its subject.
	if strings.TrimSpace(text) == "" {
		text = "(no subject)"
	}

	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return prefix + recolon + text
}

// asciiSubject handles the common case where the whole subject is ASCII.
// Returns "" when some chunk is not.
func asciiSubject(prefix string, chunks []chunk, prefixPat *regexp.Regexp, ws string) (string, error) {
	for _, c := range chunks {
		if !isASCIICharset(c.charset) {
			return "", nil
		}
	}

	return munge(joinChunks(chunks), prefix, prefixPat), nil
}

// uniformCharsetSubject handles a subject whose chunks all decode under
// one single charset: the munged subject is re-encoded in that charset.
// Returns "" when charsets are mixed (or all ASCII, which the previous
// strategy took).
func uniformCharsetSubject(prefix string, chunks []chunk, prefixPat *regexp.Regexp, ws string) (string, error) {
	charset := ""
	for _, c := range chunks {
		cs := strings.ToLower(c.charset)
		if isASCIICharset(cs) {
			cs = "us-ascii"
		}
		if charset == "" {
			charset = cs
		} else if cs != charset {
			return "", nil
		}
	}
	if charset == "" || charset == "us-ascii" {
		return "", nil
	}

	munged := munge(joinChunks(chunks), prefix, prefixPat)
	return encodeWord(munged, charset)
}

// mixedCharsetSubject keeps every chunk in its own charset. Only the first
// chunk gets prefix-stripping and reply normalization; the new prefix is
// prepended as its own chunk.
func mixedCharsetSubject(prefix string, chunks []chunk, prefixPat *regexp.Regexp, ws string) (string, error) {
	if len(chunks) == 0 {
		chunks = []chunk{
			{text: prefix, charset: listCharset},
			{text: "(no subject)", charset: listCharset},
		}
		return renderChunks(chunks)
	}

	first := prefixPat.ReplaceAllString(chunks[0].text, "")
	first = strings.TrimLeft(first, " \t")
	if loc := replyPrefixRe.FindStringIndex(first); loc != nil {
		first = "Re: " + first[loc[1]:]
	}
	chunks[0] = chunk{text: first, charset: chunks[0].charset}

	chunks = append([]chunk{{text: prefix, charset: listCharset}}, chunks...)
	return renderChunks(chunks)
}

// renderChunks serializes chunks back into a header value, encoding the
// non-ASCII ones as encoded words.
func renderChunks(chunks []chunk) (string, error) {
	var parts []string
	for _, c := range chunks {
		if isASCIICharset(c.charset) {
			parts = append(parts, c.text)
			continue
		}
		word, err := encodeWord(c.text, c.charset)
		if err != nil {
			return "", err
		}
		parts = append(parts, word)
	}

	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" && !endsWithSpace(out) && !startsWithSpace(p) {
			out += " "
		}
		out += p
	}
	return out, nil
}

func endsWithSpace(s string) bool {
	c := s[len(s)-1]
	return c == ' ' || c == '\t'
}

func startsWithSpace(s string) bool {
	c := s[0]
	return c == ' ' || c == '\t'
}
