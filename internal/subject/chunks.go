package subject

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// chunk is one piece of a decoded header: text plus the charset it was
// encoded in, "" for text that was not inside an encoded word.
type chunk struct {
	text    string
	charset string
}

// RFC 2047 encoded word.
var encodedWordRe = regexp.MustCompile(`=\?([^?]+)\?([bBqQ])\?([^?]*)\?=`)

// wordDecoder decodes single encoded words; charsets beyond the built-in
// ones are looked up in the IANA registry.
var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(cs string, input io.Reader) (io.Reader, error) {
		enc, err := ianaindex.MIME.Encoding(cs)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("unknown charset %q", cs)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

// decodeHeader splits an (unfolded) header value into decoded chunks.
// Whitespace between two adjacent encoded words is transparent, per RFC
// 2047; any other plain text is kept verbatim in a charset-less chunk.
func decodeHeader(raw string) ([]chunk, error) {
	var chunks []chunk

	locs := encodedWordRe.FindAllStringIndex(raw, -1)
	pos := 0
	for i, loc := range locs {
		if plain := raw[pos:loc[0]]; plain != "" {
			between := i > 0 && strings.TrimSpace(plain) == ""
			if !between {
				chunks = append(chunks, chunk{text: plain})
			}
		}

		word := raw[loc[0]:loc[1]]
		text, err := wordDecoder.Decode(word)
		if err != nil {
			return nil, err
		}
		charset := strings.ToLower(encodedWordRe.FindStringSubmatch(word)[1])
		chunks = append(chunks, chunk{text: text, charset: charset})
		pos = loc[1]
	}

	if plain := raw[pos:]; plain != "" && !(len(locs) > 0 && strings.TrimSpace(plain) == "") {
		chunks = append(chunks, chunk{text: plain})
	}

	return chunks, nil
}

// joinChunks concatenates decoded chunks into one text, inserting a space
// between chunks that would otherwise run into each other. Two consecutive
// encoded words are joined directly, since the whitespace between them is
// not part of the text.
func joinChunks(chunks []chunk) string {
	out := ""
	prevEncoded := false
	for _, c := range chunks {
		if c.text == "" {
			continue
		}
		encoded := c.charset != ""
		if out != "" && !(prevEncoded && encoded) &&
			!endsWithSpace(out) && !startsWithSpace(c.text) {
			out += " "
		}
		out += c.text
		prevEncoded = encoded
	}
	return out
}

// encodeWord encodes text as a base64 encoded word in the given charset.
func encodeWord(text, charset string) (string, error) {
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return "", fmt.Errorf("unknown charset %q", charset)
	}

	encoded, err := enc.NewEncoder().String(text)
	if err != nil {
		return "", err
	}

	return "=?" + charset + "?b?" +
		base64.StdEncoding.EncodeToString([]byte(encoded)) + "?=", nil
}
