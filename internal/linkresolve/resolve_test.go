package linkresolve_test

import (
	"testing"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/linkresolve"
	"github.com/stretchr/testify/assert"
)

const host = "fr.wikipedia.org"

func TestResolve_ApplicableForms(t *testing.T) {
	tests := []struct {
		name  string
		href  string
		kind  linkresolve.Kind
		title string
		id    canonical.ID
	}{
		{"wiki path", "/wiki/Italie", linkresolve.KindRelativePath, "Italie", "italie"},
		{"renderer relative", "./Jean-Jacques_Rousseau", linkresolve.KindRelativePath, "Jean-Jacques Rousseau", "jean-jacques rousseau"},
		{"encoded path", "/wiki/%C3%89cole_normale", linkresolve.KindRelativePath, "École normale", "école normale"},
		{"query title", "/w/index.php?title=Rome&oldid=42", linkresolve.KindQueryTitle, "Rome", "rome"},
		{"query title with slash", "/w/index.php?title=AC/DC", linkresolve.KindQueryTitle, "AC/DC", "ac%2fdc"},
		{"absolute same locale", "https://fr.wikipedia.org/wiki/Paris", linkresolve.KindAbsolute, "Paris", "paris"},
		{"absolute other locale", "https://en.wikipedia.org/wiki/Milan", linkresolve.KindAbsolute, "Milan", "milan"},
		{"scheme relative", "//fr.wikipedia.org/wiki/Europe", linkresolve.KindAbsolute, "Europe", "europe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := linkresolve.Resolve(tt.href, host)

			assert.True(t, res.Applicable())
			assert.Equal(t, tt.kind, res.Kind, res.Kind.String())
			assert.Equal(t, tt.title, res.Title)
			assert.Equal(t, tt.id, res.ID)
		})
	}
}

func TestResolve_FragmentIsSameDocument(t *testing.T) {
	withFragment := linkresolve.Resolve("/doc/Paris#History", host)
	without := linkresolve.Resolve("/doc/Paris", host)
	assert.Equal(t, without, withFragment)

	withFragment = linkresolve.Resolve("/wiki/Paris#Histoire", host)
	without = linkresolve.Resolve("/wiki/Paris", host)
	assert.True(t, withFragment.Applicable())
	assert.Equal(t, without.ID, withFragment.ID)
	assert.Equal(t, "Paris", withFragment.Title)
}

func TestResolve_NotApplicable(t *testing.T) {
	tests := []struct {
		name string
		href string
		kind linkresolve.Kind
	}{
		{"mail", "mailto:a@b.com", linkresolve.KindPassThrough},
		{"phone", "TEL:+33123456789", linkresolve.KindPassThrough},
		{"fragment only", "#Histoire", linkresolve.KindPassThrough},
		{"empty", "   ", linkresolve.KindPassThrough},
		{"script", "javascript:alert(1)", linkresolve.KindExternal},
		{"foreign site", "https://example.com/wiki/Paris", linkresolve.KindExternal},
		{"lookalike host", "https://evilwikipedia.org/wiki/Paris", linkresolve.KindExternal},
		{"query without title", "/w/index.php?curid=42", linkresolve.KindExternal},
		{"redlink", "/w/index.php?title=Nowhere&action=edit&redlink=1", linkresolve.KindExternal},
		{"other path", "/static/images/logo.png", linkresolve.KindExternal},
		{"empty title", "/wiki/", linkresolve.KindExternal},
		{"ftp", "ftp://fr.wikipedia.org/wiki/Paris", linkresolve.KindExternal},
		{"script query", "javascript:/w/index.php?title=Paris", linkresolve.KindExternal},
		{"data query", "data:/w/index.php?title=Paris", linkresolve.KindExternal},
		{"vbscript", "VBScript:/wiki/Paris", linkresolve.KindExternal},
		{"ftp query", "ftp://fr.wikipedia.org/w/index.php?title=Paris", linkresolve.KindExternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := linkresolve.Resolve(tt.href, host)

			assert.False(t, res.Applicable())
			assert.Equal(t, tt.kind, res.Kind, res.Kind.String())
		})
	}
}

func TestResolution_Event(t *testing.T) {
	res := linkresolve.Resolve("/wiki/Italie", host)

	ev := res.Event("/wiki/Italie")
	assert.Equal(t, linkresolve.NavigationEvent{RawReference: "/wiki/Italie", ResolvedTitle: "Italie"}, ev)
}
