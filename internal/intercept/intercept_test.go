package intercept_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/intercept"
	"github.com/Seednode/wikirace/internal/linkresolve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body><div id="content">
<p>Voir <a id="rome" href="./Rome"><span id="rome-label">Rome</span></a>,
<a id="milan" href="/wiki/Milan">Milan</a>,
<a id="mail" href="mailto:a@b.com">écrire</a>,
<a id="ext" href="https://example.com/">ailleurs</a>,
<a id="frag" href="#Histoire">histoire</a>.</p>
<p id="plain">Pas de lien ici.</p>
</div></body></html>`

type recorder struct {
	mu     sync.Mutex
	log    []string
	events []linkresolve.NavigationEvent
	shown  []string
	failed []string
	err    error
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, s)
}

func (r *recorder) Navigate(_ context.Context, ev linkresolve.NavigationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, "navigate:"+ev.ResolvedTitle)
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) Show(doc intercept.Loaded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, doc.Title)
}

func (r *recorder) Failed(title string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, title)
}

func (r *recorder) snapshot() (log []string, events []linkresolve.NavigationEvent, shown, failed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...),
		append([]linkresolve.NavigationEvent(nil), r.events...),
		append([]string(nil), r.shown...),
		append([]string(nil), r.failed...)
}

// gatedLoader blocks each load until its title is released.
type gatedLoader struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{gates: make(map[string]chan struct{})}
}

func (g *gatedLoader) gate(title string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[title]
	if !ok {
		ch = make(chan struct{})
		g.gates[title] = ch
	}
	return ch
}

func (g *gatedLoader) release(title string) {
	close(g.gate(title))
}

func (g *gatedLoader) Load(ctx context.Context, title string) (*html.Node, error) {
	select {
	case <-g.gate(title):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return html.Parse(strings.NewReader("<p>" + title + "</p>"))
}

type instantLoader struct{}

func (instantLoader) Load(_ context.Context, title string) (*html.Node, error) {
	return html.Parse(strings.NewReader("<p>" + title + "</p>"))
}

func parsePage(t *testing.T) *html.Node {
	t.Helper()
	root, err := html.Parse(strings.NewReader(page))
	require.NoError(t, err)
	return root
}

func byID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := byID(c, id); found != nil {
			return found
		}
	}
	return nil
}

func start(t *testing.T, rec *recorder, loader intercept.Loader) *intercept.Interceptor {
	t.Helper()
	ic := intercept.New(rec, intercept.Options{Host: "fr.wikipedia.org", Loader: loader, View: rec})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ic.Run(ctx) }()

	return ic
}

func click(ic *intercept.Interceptor, target *html.Node, prevented *int) intercept.Outcome {
	return ic.HandleClick(intercept.Click{
		Target:         target,
		PreventDefault: func() { *prevented++ },
	})
}

func TestHandleClick_NestedTargetNavigates(t *testing.T) {
	rec := &recorder{}
	ic := start(t, rec, instantLoader{})
	root := parsePage(t)

	prevented := 0
	outcome := click(ic, byID(root, "rome-label"), &prevented)

	assert.Equal(t, intercept.OutcomeNavigated, outcome)
	assert.Equal(t, 1, prevented)

	require.Eventually(t, func() bool {
		_, _, shown, _ := rec.snapshot()
		return len(shown) == 1
	}, time.Second, 5*time.Millisecond)

	_, events, shown, _ := rec.snapshot()
	assert.Equal(t, []linkresolve.NavigationEvent{{RawReference: "./Rome", ResolvedTitle: "Rome"}}, events)
	assert.Equal(t, []string{"Rome"}, shown)
	assert.Equal(t, canonical.ID("rome"), ic.Current())
}

func TestHandleClick_PreventDefaultBeforeDispatch(t *testing.T) {
	rec := &recorder{}
	ic := start(t, rec, instantLoader{})
	root := parsePage(t)

	outcome := ic.HandleClick(intercept.Click{
		Target:         byID(root, "milan"),
		PreventDefault: func() { rec.add("prevent") },
	})
	require.Equal(t, intercept.OutcomeNavigated, outcome)

	require.Eventually(t, func() bool {
		log, _, _, _ := rec.snapshot()
		return len(log) == 2
	}, time.Second, 5*time.Millisecond)

	log, _, _, _ := rec.snapshot()
	assert.Equal(t, []string{"prevent", "navigate:Milan"}, log)
}

func TestHandleClick_NotApplicable(t *testing.T) {
	tests := []struct {
		id        string
		outcome   intercept.Outcome
		prevented int
	}{
		{"mail", intercept.OutcomePassThrough, 0},
		{"frag", intercept.OutcomePassThrough, 0},
		{"ext", intercept.OutcomeSuppressed, 1},
		{"plain", intercept.OutcomeIgnored, 0},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := &recorder{}
			ic := start(t, rec, instantLoader{})
			root := parsePage(t)

			prevented := 0
			assert.Equal(t, tt.outcome, click(ic, byID(root, tt.id), &prevented))
			assert.Equal(t, tt.prevented, prevented)

			time.Sleep(20 * time.Millisecond)
			_, events, _, _ := rec.snapshot()
			assert.Empty(t, events)
		})
	}
}

func TestHandleClick_DoubleClickIsNoOp(t *testing.T) {
	rec := &recorder{}
	loader := newGatedLoader()
	ic := start(t, rec, loader)
	root := parsePage(t)
	rome := byID(root, "rome")

	prevented := 0
	assert.Equal(t, intercept.OutcomeNavigated, click(ic, rome, &prevented))
	assert.Equal(t, intercept.OutcomeDuplicate, click(ic, rome, &prevented))
	assert.Equal(t, 2, prevented)

	loader.release("Rome")
	require.Eventually(t, func() bool {
		_, _, shown, _ := rec.snapshot()
		return len(shown) == 1
	}, time.Second, 5*time.Millisecond)

	_, events, _, _ := rec.snapshot()
	assert.Len(t, events, 1)
}

func TestHandleClick_StaleLoadIsDiscarded(t *testing.T) {
	rec := &recorder{}
	loader := newGatedLoader()
	ic := start(t, rec, loader)
	root := parsePage(t)

	prevented := 0
	require.Equal(t, intercept.OutcomeNavigated, click(ic, byID(root, "rome"), &prevented))
	require.Equal(t, intercept.OutcomeNavigated, click(ic, byID(root, "milan"), &prevented))

	require.Eventually(t, func() bool {
		_, events, _, _ := rec.snapshot()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	loader.release("Milan")
	require.Eventually(t, func() bool {
		_, _, shown, _ := rec.snapshot()
		return len(shown) == 1
	}, time.Second, 5*time.Millisecond)

	loader.release("Rome")
	time.Sleep(30 * time.Millisecond)

	_, events, shown, _ := rec.snapshot()
	assert.Equal(t, "Rome", events[0].ResolvedTitle)
	assert.Equal(t, "Milan", events[1].ResolvedTitle)
	assert.Equal(t, []string{"Milan"}, shown)
	assert.Equal(t, canonical.ID("milan"), ic.Current())
}

func TestHandleClick_ReplacedDocumentIgnored(t *testing.T) {
	rec := &recorder{}
	ic := start(t, rec, instantLoader{})
	root := parsePage(t)

	prevented := 0
	require.Equal(t, intercept.OutcomeNavigated, click(ic, byID(root, "rome"), &prevented))
	require.Eventually(t, func() bool {
		_, _, shown, _ := rec.snapshot()
		return len(shown) == 1
	}, time.Second, 5*time.Millisecond)

	// The container now holds the Rome document; anchors of the old page are gone.
	assert.Equal(t, intercept.OutcomeIgnored, click(ic, byID(root, "milan"), &prevented))
}

func TestHandleClick_NavigateErrorReported(t *testing.T) {
	rec := &recorder{err: errors.New("store down")}
	ic := start(t, rec, instantLoader{})
	root := parsePage(t)

	prevented := 0
	require.Equal(t, intercept.OutcomeNavigated, click(ic, byID(root, "milan"), &prevented))

	require.Eventually(t, func() bool {
		_, _, _, failed := rec.snapshot()
		return len(failed) == 1
	}, time.Second, 5*time.Millisecond)

	_, _, shown, failed := rec.snapshot()
	assert.Empty(t, shown)
	assert.Equal(t, []string{"Milan"}, failed)

	// A failed navigation does not block retrying the same link.
	assert.Equal(t, intercept.OutcomeNavigated, click(ic, byID(root, "milan"), &prevented))
}

func TestOpen(t *testing.T) {
	rec := &recorder{}
	ic := start(t, rec, instantLoader{})

	outcome, err := ic.Open("France")
	require.NoError(t, err)
	assert.Equal(t, intercept.OutcomeNavigated, outcome)

	require.Eventually(t, func() bool {
		_, _, shown, _ := rec.snapshot()
		return len(shown) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, canonical.ID("france"), ic.Current())

	_, err = ic.Open("  ")
	require.Error(t, err)
}
