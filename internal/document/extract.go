// Package document pulls embedded sub-documents out of free-form generator
// output: fenced blocks inside text, and labeled sections inside a JSON object.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const fence = "```"

var (
	ErrMalformedPayload = errors.New("document: malformed payload")
	ErrSectionMissing   = errors.New("document: section missing")
)

// ExtractFenced returns the trimmed text between the first opening fence
// tagged with tag and the next closing fence. An opening fence only counts
// when the tag is followed by whitespace or the end of text, so "```csvx" and
// the bare word "csv" in prose are ignored.
func ExtractFenced(text, tag string) (string, bool) {
	open := fence + tag
	offset := 0
	for {
		i := strings.Index(text[offset:], open)
		if i < 0 {
			return "", false
		}
		start := offset + i + len(open)
		if start < len(text) {
			r, _ := utf8.DecodeRuneInString(text[start:])
			if !unicode.IsSpace(r) {
				offset = start
				continue
			}
		}
		end := strings.Index(text[start:], fence)
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(text[start : start+end]), true
	}
}

// Sections decodes a JSON object into label -> text. Null values become
// empty strings and non-string values keep their JSON encoding.
func Sections(raw []byte) (map[string]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]string{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		var s string
		switch {
		case bytes.Equal(bytes.TrimSpace(v), []byte("null")):
		case json.Unmarshal(v, &s) == nil:
		default:
			s = string(v)
		}
		out[k] = s
	}
	return out, nil
}

// Lookup returns the first of labels with a non-blank value in sections.
func Lookup(sections map[string]string, labels ...string) (string, error) {
	for _, l := range labels {
		if v := sections[l]; strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSectionMissing, strings.Join(labels, "|"))
}
