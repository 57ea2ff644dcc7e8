/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package canonical turns arbitrary document references (full URLs, encoded
// paths, bare titles) into comparable document identifiers.
package canonical

import (
	"net/url"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Seednode/wikirace/internal/errclass"
)

// Marker precedes the title in a "document by title" path.
const Marker = "/wiki/"

// ErrInvalid is returned for empty or undecodable references.
var ErrInvalid = errclass.ErrInvalidReference

// ID is a canonical document identifier. Two references denote the same
// document exactly when their IDs are equal.
type ID string

func (id ID) String() string {
	return string(id)
}

// The canonical form keeps these escaped so a second pass decodes back to
// the same text instead of finding a new escape or path marker.
var reescape = strings.NewReplacer("%", "%25", "/", "%2f")

// Canonicalize normalizes raw into an ID.
func Canonicalize(raw string) (ID, error) {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndex(s, Marker); i >= 0 {
		s = s[i+len(Marker):]
	}

	decoded, err := url.PathUnescape(s)
	if err != nil {
		return "", ErrInvalid.WithMessagef("decode %q: %v", raw, err)
	}

	decoded = strings.ReplaceAll(decoded, "_", " ")
	decoded = strings.Join(strings.Fields(decoded), " ")
	if decoded == "" {
		return "", ErrInvalid.WithMessagef("empty reference %q", raw)
	}

	// Lowering can turn a capital plus combining mark into a letter that has
	// a precomposed form, so compose again afterwards.
	decoded = norm.NFC.String(cases.Lower(language.Und).String(norm.NFC.String(decoded)))

	return ID(reescape.Replace(decoded)), nil
}

// Equal reports whether a and b denote the same document. Invalid
// references never match anything.
func Equal(a, b string) bool {
	ida, err := Canonicalize(a)
	if err != nil {
		return false
	}
	idb, err := Canonicalize(b)
	if err != nil {
		return false
	}
	return ida == idb
}

// Document pairs a display title with its canonical ID.
type Document struct {
	ID    ID     `json:"id"`
	Title string `json:"title"`
}

// NewDocument canonicalizes title and keeps it, underscores turned into
// spaces, as the display title.
func NewDocument(title string) (Document, error) {
	id, err := Canonicalize(title)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:    id,
		Title: strings.TrimSpace(strings.ReplaceAll(title, "_", " ")),
	}, nil
}

// IsZero reports whether d is unset.
func (d Document) IsZero() bool {
	return d.ID == ""
}
