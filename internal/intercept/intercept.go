/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package intercept turns clicks inside a participant's rendered document
// into in-game navigations, keeping the browser inside the game view.
package intercept

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/linkresolve"
)

// Outcome describes what HandleClick did with a click.
type Outcome int

const (
	// OutcomeIgnored: no anchor under the click, or the anchor belongs to a
	// document that is no longer displayed.
	OutcomeIgnored Outcome = iota
	// OutcomePassThrough: mail/phone link or in-page fragment. The browser
	// handles it and nothing is prevented.
	OutcomePassThrough
	// OutcomeSuppressed: the link leads outside the game. Default navigation
	// is prevented and no event is emitted.
	OutcomeSuppressed
	// OutcomeDuplicate: the same document is already loading.
	OutcomeDuplicate
	// OutcomeNavigated: default prevented and a navigation queued.
	OutcomeNavigated
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassThrough:
		return "pass-through"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeNavigated:
		return "navigated"
	default:
		return "ignored"
	}
}

// Click is one click delivered to the container. PreventDefault may be nil.
type Click struct {
	Target         *html.Node
	PreventDefault func()
}

func (c Click) preventDefault() {
	if c.PreventDefault != nil {
		c.PreventDefault()
	}
}

// Navigator receives accepted navigations, in click order.
type Navigator interface {
	Navigate(ctx context.Context, ev linkresolve.NavigationEvent) error
}

// Loader fetches and renders a document.
type Loader interface {
	Load(ctx context.Context, title string) (*html.Node, error)
}

// View displays loaded documents. Its methods are called with the
// interceptor's lock held and must not call back into the Interceptor.
type View interface {
	Show(doc Loaded)
	Failed(title string, err error)
}

// Loaded is a document ready to be displayed.
type Loaded struct {
	Title string
	ID    canonical.ID
	Root  *html.Node
}

type job struct {
	gen uint64
	id  canonical.ID
	ev  linkresolve.NavigationEvent
}

// Interceptor is the delegated click handler for one participant's
// document container.
type Interceptor struct {
	host   string
	nav    Navigator
	loader Loader
	view   View
	logf   func(format string, args ...any)

	mu        sync.Mutex
	gen       uint64
	pending   canonical.ID
	current   canonical.ID
	container *html.Node
	queue     []job
	wake      chan struct{}
}

// Options configures an Interceptor.
type Options struct {
	// Host is the content host documents are served from, used to
	// recognise absolute links ("fr.wikipedia.org").
	Host   string
	Logf   func(format string, args ...any)
	Loader Loader
	View   View
}

// New returns an Interceptor feeding nav. Call Run to start processing.
func New(nav Navigator, opts Options) *Interceptor {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	return &Interceptor{
		host:   opts.Host,
		nav:    nav,
		loader: opts.Loader,
		view:   opts.View,
		logf:   logf,
		wake:   make(chan struct{}, 1),
	}
}

// HandleClick processes one click synchronously. PreventDefault is called,
// when required, before anything is queued.
func (ic *Interceptor) HandleClick(c Click) Outcome {
	a := nearestAnchor(c.Target)
	if a == nil {
		return OutcomeIgnored
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()

	if !within(a, ic.container) {
		return OutcomeIgnored
	}

	href := attr(a, "href")
	res := linkresolve.Resolve(href, ic.host)

	switch {
	case res.Kind == linkresolve.KindPassThrough:
		return OutcomePassThrough
	case !res.Applicable():
		c.preventDefault()
		return OutcomeSuppressed
	}

	c.preventDefault()

	return ic.acceptLocked(res.Event(href), res.ID)
}

// Open navigates to title without a click, e.g. to load the start document.
func (ic *Interceptor) Open(title string) (Outcome, error) {
	doc, err := canonical.NewDocument(title)
	if err != nil {
		return OutcomeIgnored, err
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()

	ev := linkresolve.NavigationEvent{RawReference: title, ResolvedTitle: doc.Title}

	return ic.acceptLocked(ev, doc.ID), nil
}

// Current returns the canonical ID of the displayed document.
func (ic *Interceptor) Current() canonical.ID {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	return ic.current
}

func (ic *Interceptor) acceptLocked(ev linkresolve.NavigationEvent, id canonical.ID) Outcome {
	if ic.pending != "" && ic.pending == id {
		return OutcomeDuplicate
	}

	ic.gen++
	ic.pending = id
	ic.queue = append(ic.queue, job{gen: ic.gen, id: id, ev: ev})

	select {
	case ic.wake <- struct{}{}:
	default:
	}

	return OutcomeNavigated
}

// Run delivers queued navigations to the Navigator one at a time and starts
// the matching document loads. It returns when ctx is done.
func (ic *Interceptor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ic.wake:
		}

		for {
			j, ok := ic.next()
			if !ok {
				break
			}

			if err := ic.nav.Navigate(ctx, j.ev); err != nil {
				ic.logf("RACE: Navigation to %q rejected: %v", j.ev.ResolvedTitle, err)
				ic.finish(j, func() { ic.view.Failed(j.ev.ResolvedTitle, err) })

				continue
			}

			go ic.load(ctx, j)
		}
	}
}

func (ic *Interceptor) next() (job, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if len(ic.queue) == 0 {
		return job{}, false
	}

	j := ic.queue[0]
	ic.queue = ic.queue[1:]

	return j, true
}

func (ic *Interceptor) load(ctx context.Context, j job) {
	root, err := ic.loader.Load(ctx, j.ev.ResolvedTitle)

	ic.finish(j, func() {
		if err != nil {
			ic.view.Failed(j.ev.ResolvedTitle, err)
			return
		}

		ic.container = root
		ic.current = j.id
		ic.view.Show(Loaded{Title: j.ev.ResolvedTitle, ID: j.id, Root: root})
	})
}

// finish applies the result of job j unless a newer navigation superseded it.
func (ic *Interceptor) finish(j job, apply func()) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if j.gen != ic.gen {
		ic.logf("RACE: Discarding stale result for %q", j.ev.ResolvedTitle)
		return
	}

	ic.pending = ""
	apply()
}

func nearestAnchor(n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && (n.DataAtom == atom.A || n.Data == "a") {
			return n
		}
	}
	return nil
}

func within(n, container *html.Node) bool {
	if container == nil {
		return true
	}
	for ; n != nil; n = n.Parent {
		if n == container {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
