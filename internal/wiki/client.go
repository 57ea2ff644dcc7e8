/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package wiki talks to a MediaWiki content provider: random documents,
// title and keyword lookups, and rendered document markup.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/errclass"
)

const (
	defaultTimeout = 10 * time.Second
	maxMarkupBytes = 8 << 20
	// Keyword picks choose among at most this many search hits.
	searchPool = 100
)

// CachedDocument is document markup kept between fetches.
type CachedDocument struct {
	ID        canonical.ID
	Title     string
	Markup    string
	FetchedAt time.Time
}

// Cache stores fetched markup.
type Cache interface {
	GetDocument(ctx context.Context, id canonical.ID) (CachedDocument, bool, error)
	PutDocument(ctx context.Context, doc CachedDocument) error
}

// Client is a content provider backed by one MediaWiki host.
type Client struct {
	host      string
	baseURL   string
	http      *http.Client
	cache     Cache
	ttl       time.Duration
	userAgent string
	logf      func(format string, args ...any)
	pick      func(n int) int

	group singleflight.Group
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides "https://<host>", for tests.
	BaseURL    string
	HTTPClient *http.Client
	Cache      Cache
	CacheTTL   time.Duration
	UserAgent  string
	Logf       func(format string, args ...any)
	// Pick returns a number in [0, n); defaults to math/rand.
	Pick func(n int) int
}

// NewClient returns a Client for host, e.g. "fr.wikipedia.org".
func NewClient(host string, opts Options) *Client {
	c := &Client{
		host:      host,
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		http:      opts.HTTPClient,
		cache:     opts.Cache,
		ttl:       opts.CacheTTL,
		userAgent: opts.UserAgent,
		logf:      opts.Logf,
		pick:      opts.Pick,
	}
	if c.baseURL == "" {
		c.baseURL = "https://" + host
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.userAgent == "" {
		c.userAgent = "wikirace (https://github.com/Seednode/wikirace)"
	}
	if c.logf == nil {
		c.logf = func(string, ...any) {}
	}
	if c.pick == nil {
		c.pick = rand.IntN
	}
	return c
}

// Host returns the content host documents are served from.
func (c *Client) Host() string {
	return c.host
}

func unavailable(format string, args ...any) error {
	return errclass.ErrContentUnavailable.WithMessagef(format, args...)
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, unavailable("build request %s: %v", path, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Api-User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unavailable("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errclass.ErrDocumentNotFound.WithMessage(path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("GET %s: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMarkupBytes))
	if err != nil {
		return nil, unavailable("read %s: %v", path, err)
	}
	return body, nil
}

func titlePath(title string) string {
	return url.PathEscape(strings.ReplaceAll(strings.TrimSpace(title), " ", "_"))
}

// FetchDocumentMarkup returns the rendered HTML of a document. Concurrent
// requests for the same document share one fetch.
func (c *Client) FetchDocumentMarkup(ctx context.Context, title string) (string, error) {
	doc, err := canonical.NewDocument(title)
	if err != nil {
		return "", err
	}

	if markup, ok := c.cached(ctx, doc.ID); ok {
		return markup, nil
	}

	v, err, shared := c.group.Do(string(doc.ID), func() (any, error) {
		body, err := c.get(ctx, "/api/rest_v1/page/html/"+titlePath(doc.Title), nil)
		if err != nil {
			return "", err
		}
		markup := string(body)

		if c.cache != nil {
			if err := c.cache.PutDocument(ctx, CachedDocument{
				ID:        doc.ID,
				Title:     doc.Title,
				Markup:    markup,
				FetchedAt: time.Now().UTC(),
			}); err != nil {
				c.logf("ERROR: Caching %q: %v", doc.Title, err)
			}
		}
		return markup, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logf("RACE: Shared fetch of %q", doc.Title)
	}

	return v.(string), nil
}

func (c *Client) cached(ctx context.Context, id canonical.ID) (string, bool) {
	if c.cache == nil {
		return "", false
	}

	doc, ok, err := c.cache.GetDocument(ctx, id)
	if err != nil {
		c.logf("ERROR: Reading cached %q: %v", id, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Since(doc.FetchedAt) > c.ttl {
		return "", false
	}
	return doc.Markup, true
}

type summaryResponse struct {
	Title string `json:"title"`
}

// FetchRandomDocument returns a random document.
func (c *Client) FetchRandomDocument(ctx context.Context) (canonical.Document, error) {
	body, err := c.get(ctx, "/api/rest_v1/page/random/summary", nil)
	if err != nil {
		return canonical.Document{}, err
	}

	var resp summaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return canonical.Document{}, unavailable("decode random summary: %v", err)
	}

	return documentOrUnavailable(resp.Title)
}

type queryResponse struct {
	Query struct {
		Pages map[string]struct {
			Title   string    `json:"title"`
			Missing *struct{} `json:"missing,omitempty"`
			Invalid *struct{} `json:"invalid,omitempty"`
		} `json:"pages"`
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

func (c *Client) query(ctx context.Context, params url.Values) (queryResponse, error) {
	params.Set("action", "query")
	params.Set("format", "json")
	params.Set("redirects", "1")

	body, err := c.get(ctx, "/w/api.php", params)
	if err != nil {
		return queryResponse{}, err
	}

	var resp queryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return queryResponse{}, unavailable("decode query response: %v", err)
	}
	return resp, nil
}

// FetchDocumentByExactTitle looks a document up by title, following
// redirects. It returns ErrDocumentNotFound when there is no such document.
func (c *Client) FetchDocumentByExactTitle(ctx context.Context, title string) (canonical.Document, error) {
	if strings.TrimSpace(title) == "" {
		return canonical.Document{}, errclass.ErrDocumentNotFound.WithMessage("empty title")
	}

	resp, err := c.query(ctx, url.Values{"titles": {title}})
	if err != nil {
		return canonical.Document{}, err
	}

	for id, page := range resp.Query.Pages {
		if strings.HasPrefix(id, "-") || page.Missing != nil || page.Invalid != nil {
			continue
		}
		return documentOrUnavailable(page.Title)
	}

	return canonical.Document{}, errclass.ErrDocumentNotFound.WithMessage(title)
}

// SearchDocumentByKeyword picks one of the top search hits for keyword.
func (c *Client) SearchDocumentByKeyword(ctx context.Context, keyword string) (canonical.Document, error) {
	if strings.TrimSpace(keyword) == "" {
		return canonical.Document{}, errclass.ErrDocumentNotFound.WithMessage("empty keyword")
	}

	resp, err := c.query(ctx, url.Values{
		"list":     {"search"},
		"srsearch": {keyword},
		"srlimit":  {fmt.Sprint(searchPool)},
	})
	if err != nil {
		return canonical.Document{}, err
	}

	hits := resp.Query.Search
	if len(hits) == 0 {
		return canonical.Document{}, errclass.ErrDocumentNotFound.WithMessage(keyword)
	}

	n := min(len(hits), searchPool)
	return documentOrUnavailable(hits[c.pick(n)].Title)
}

func documentOrUnavailable(title string) (canonical.Document, error) {
	doc, err := canonical.NewDocument(title)
	if errors.Is(err, canonical.ErrInvalid) {
		return canonical.Document{}, unavailable("provider returned unusable title %q", title)
	}
	return doc, err
}
