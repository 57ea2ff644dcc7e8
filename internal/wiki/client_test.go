package wiki_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Seednode/wikirace/internal/canonical"
	"github.com/Seednode/wikirace/internal/errclass"
	"github.com/Seednode/wikirace/internal/wiki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu   sync.Mutex
	docs map[canonical.ID]wiki.CachedDocument
}

func newMemCache() *memCache {
	return &memCache{docs: make(map[canonical.ID]wiki.CachedDocument)}
}

func (m *memCache) GetDocument(_ context.Context, id canonical.ID) (wiki.CachedDocument, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok, nil
}

func (m *memCache) PutDocument(_ context.Context, doc wiki.CachedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func newServer(t *testing.T, htmlHits *atomic.Int32) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/rest_v1/page/html/{title}", func(w http.ResponseWriter, r *http.Request) {
		htmlHits.Add(1)
		switch r.PathValue("title") {
		case "Jean-Jacques_Rousseau":
			w.Write([]byte(`<html><body><p><a href="./Genève">Genève</a></p></body></html>`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/rest_v1/page/random/summary", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"title":"Lac Léman","extract":"..."}`))
	})
	mux.HandleFunc("/w/api.php", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "query", q.Get("action"))
		assert.Equal(t, "json", q.Get("format"))

		switch {
		case q.Get("titles") == "italie":
			w.Write([]byte(`{"query":{"pages":{"3120":{"pageid":3120,"title":"Italie"}}}}`))
		case q.Get("titles") != "":
			w.Write([]byte(`{"query":{"pages":{"-1":{"title":"` + q.Get("titles") + `","missing":""}}}}`))
		case q.Get("srsearch") == "volcan":
			w.Write([]byte(`{"query":{"search":[{"title":"Etna"},{"title":"Vésuve"},{"title":"Stromboli"}]}}`))
		case q.Get("srsearch") != "":
			w.Write([]byte(`{"query":{"search":[]}}`))
		}
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, cache wiki.Cache) (*wiki.Client, *atomic.Int32) {
	hits := &atomic.Int32{}
	srv := newServer(t, hits)
	c := wiki.NewClient("fr.wikipedia.org", wiki.Options{
		BaseURL:  srv.URL,
		Cache:    cache,
		CacheTTL: time.Hour,
		Pick:     func(n int) int { return n - 1 },
	})
	return c, hits
}

func TestFetchDocumentMarkup(t *testing.T) {
	cache := newMemCache()
	c, hits := newClient(t, cache)
	ctx := context.Background()

	markup, err := c.FetchDocumentMarkup(ctx, "Jean-Jacques Rousseau")
	require.NoError(t, err)
	assert.Contains(t, markup, "Genève")

	// Second fetch, any spelling, is served from the cache.
	_, err = c.FetchDocumentMarkup(ctx, "jean-jacques_rousseau")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	cached, ok, err := cache.GetDocument(ctx, "jean-jacques rousseau")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jean-Jacques Rousseau", cached.Title)
}

func TestFetchDocumentMarkup_StaleCacheRefetches(t *testing.T) {
	cache := newMemCache()
	c, hits := newClient(t, cache)
	ctx := context.Background()

	require.NoError(t, cache.PutDocument(ctx, wiki.CachedDocument{
		ID:        "jean-jacques rousseau",
		Title:     "Jean-Jacques Rousseau",
		Markup:    "old",
		FetchedAt: time.Now().Add(-2 * time.Hour),
	}))

	markup, err := c.FetchDocumentMarkup(ctx, "Jean-Jacques_Rousseau")
	require.NoError(t, err)
	assert.NotEqual(t, "old", markup)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchDocumentMarkup_Missing(t *testing.T) {
	c, _ := newClient(t, nil)

	_, err := c.FetchDocumentMarkup(context.Background(), "Nulle part")
	require.ErrorIs(t, err, errclass.ErrDocumentNotFound)
}

func TestFetchDocumentMarkup_ProviderDown(t *testing.T) {
	c := wiki.NewClient("fr.wikipedia.org", wiki.Options{BaseURL: "http://127.0.0.1:1"})

	_, err := c.FetchDocumentMarkup(context.Background(), "Paris")
	require.ErrorIs(t, err, errclass.ErrContentUnavailable)
}

func TestFetchRandomDocument(t *testing.T) {
	c, _ := newClient(t, nil)

	doc, err := c.FetchRandomDocument(context.Background())
	require.NoError(t, err)
	assert.Equal(t, canonical.Document{ID: "lac léman", Title: "Lac Léman"}, doc)
}

func TestFetchDocumentByExactTitle(t *testing.T) {
	c, _ := newClient(t, nil)
	ctx := context.Background()

	doc, err := c.FetchDocumentByExactTitle(ctx, "italie")
	require.NoError(t, err)
	assert.Equal(t, "Italie", doc.Title)
	assert.Equal(t, canonical.ID("italie"), doc.ID)

	_, err = c.FetchDocumentByExactTitle(ctx, "Atlantide du Nord")
	require.ErrorIs(t, err, errclass.ErrDocumentNotFound)
}

func TestSearchDocumentByKeyword(t *testing.T) {
	c, _ := newClient(t, nil)
	ctx := context.Background()

	doc, err := c.SearchDocumentByKeyword(ctx, "volcan")
	require.NoError(t, err)
	assert.Equal(t, "Stromboli", doc.Title)

	_, err = c.SearchDocumentByKeyword(ctx, "zzzz")
	require.ErrorIs(t, err, errclass.ErrDocumentNotFound)
}
