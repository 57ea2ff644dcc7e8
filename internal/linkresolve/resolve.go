/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package linkresolve classifies raw anchor references found in rendered
// document markup and extracts the document title they point at.
package linkresolve

import (
	"net/url"
	"strings"

	"github.com/Seednode/wikirace/internal/canonical"
)

// Kind is the closed set of reference shapes the resolver knows about.
type Kind int

const (
	// KindExternal is anything that does not point at a content document.
	// The game view suppresses it.
	KindExternal Kind = iota
	// KindPassThrough is a non-navigational reference (mail, phone) or a
	// fragment within the current document. It is left to the browser.
	KindPassThrough
	// KindRelativePath is "/wiki/Title" or the renderer's "./Title".
	KindRelativePath
	// KindQueryTitle is "/w/index.php?title=Title".
	KindQueryTitle
	// KindAbsolute is "https://<locale>.<domain>/wiki/Title".
	KindAbsolute
)

var kindNames = map[Kind]string{
	KindExternal:     "external",
	KindPassThrough:  "pass-through",
	KindRelativePath: "relative-path",
	KindQueryTitle:   "query-title",
	KindAbsolute:     "absolute",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Resolution is the outcome of classifying one reference.
type Resolution struct {
	Kind  Kind
	Title string
	ID    canonical.ID
}

// Applicable reports whether the reference names a content document.
func (r Resolution) Applicable() bool {
	return r.ID != ""
}

// NavigationEvent is handed to the session state machine for every accepted
// navigation and discarded afterwards.
type NavigationEvent struct {
	RawReference  string `json:"raw_reference"`
	ResolvedTitle string `json:"resolved_title,omitempty"`
}

// Event builds the NavigationEvent for an applicable resolution.
func (r Resolution) Event(raw string) NavigationEvent {
	return NavigationEvent{RawReference: raw, ResolvedTitle: r.Title}
}

// passThroughSchemes never navigate away from the page.
var passThroughSchemes = []string{"mailto:", "tel:", "sms:", "callto:"}

// scriptSchemes execute or embed content instead of naming a document.
var scriptSchemes = []string{"javascript:", "data:", "vbscript:"}

// form extracts a title from one applicable reference shape. ok is false
// when the reference does not have this shape.
type form struct {
	kind  Kind
	match func(ref *url.URL, baseHost string) (title string, ok bool)
}

// forms is tried in order; adding a reference shape means adding one entry.
var forms = []form{
	{KindRelativePath, matchRelativePath},
	{KindQueryTitle, matchQueryTitle},
	{KindAbsolute, matchAbsolute},
}

// Resolve classifies href as found on an anchor inside a document served
// from baseHost (for example "fr.wikipedia.org").
func Resolve(href, baseHost string) Resolution {
	raw := strings.TrimSpace(href)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return Resolution{Kind: KindPassThrough}
	}

	lower := strings.ToLower(raw)
	for _, scheme := range passThroughSchemes {
		if strings.HasPrefix(lower, scheme) {
			return Resolution{Kind: KindPassThrough}
		}
	}

	for _, scheme := range scriptSchemes {
		if strings.HasPrefix(lower, scheme) {
			return Resolution{Kind: KindExternal}
		}
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return Resolution{Kind: KindExternal}
	}

	for _, f := range forms {
		title, ok := f.match(ref, baseHost)
		if !ok {
			continue
		}

		id, err := canonical.Canonicalize(title)
		if err != nil {
			return Resolution{Kind: KindExternal}
		}

		return Resolution{Kind: f.kind, Title: displayTitle(title), ID: id}
	}

	return Resolution{Kind: KindExternal}
}

func matchRelativePath(ref *url.URL, _ string) (string, bool) {
	if ref.Scheme != "" || ref.Host != "" {
		return "", false
	}

	path := ref.EscapedPath()
	switch {
	case strings.HasPrefix(path, canonical.Marker):
		return strings.TrimPrefix(path, canonical.Marker), true
	case strings.HasPrefix(path, "./"):
		return strings.TrimPrefix(path, "./"), true
	}

	return "", false
}

func matchQueryTitle(ref *url.URL, baseHost string) (string, bool) {
	if !webScheme(ref.Scheme) {
		return "", false
	}
	if ref.Host != "" && !contentHost(ref.Host, baseHost) {
		return "", false
	}
	if !strings.HasSuffix(ref.Path, "index.php") {
		return "", false
	}

	q := ref.Query()
	if q.Get("redlink") == "1" {
		return "", false
	}

	title := q.Get("title")
	if strings.TrimSpace(title) == "" {
		return "", false
	}

	// Query values are already decoded; keep literal percent signs literal.
	return url.PathEscape(title), true
}

func matchAbsolute(ref *url.URL, baseHost string) (string, bool) {
	if ref.Host == "" {
		return "", false
	}
	if !webScheme(ref.Scheme) {
		return "", false
	}
	if !contentHost(ref.Host, baseHost) {
		return "", false
	}

	path := ref.EscapedPath()
	if !strings.HasPrefix(path, canonical.Marker) {
		return "", false
	}

	return strings.TrimPrefix(path, canonical.Marker), true
}

func webScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "", "http", "https":
		return true
	}
	return false
}

// contentHost accepts baseHost itself and any other locale of the same
// content domain ("en.wikipedia.org" for "fr.wikipedia.org").
func contentHost(host, baseHost string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	baseHost = strings.ToLower(baseHost)
	if host == baseHost {
		return true
	}

	domain := baseHost
	if i := strings.Index(baseHost, "."); i >= 0 && strings.Count(baseHost, ".") > 1 {
		domain = baseHost[i+1:]
	}
	if host == domain {
		return true
	}

	return strings.HasSuffix(host, "."+domain)
}

func displayTitle(escaped string) string {
	title, err := url.PathUnescape(escaped)
	if err != nil {
		title = escaped
	}
	return strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
}
