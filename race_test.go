/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var articles = map[string]string{
	"France": `<html><body><p><a href="./Rome">Rome</a> <a href="./Italie">Italie</a> <a href="https://example.com/">ailleurs</a></p></body></html>`,
	"Italie": `<html><body><p><a href="./France">France</a></p></body></html>`,
}

func newFakeWiki(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/rest_v1/page/html/{title}", func(w http.ResponseWriter, r *http.Request) {
		markup, ok := articles[r.PathValue("title")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(markup))
	})
	mux.HandleFunc("/w/api.php", func(w http.ResponseWriter, r *http.Request) {
		title := r.URL.Query().Get("titles")
		if _, ok := articles[title]; ok {
			w.Write([]byte(`{"query":{"pages":{"1":{"pageid":1,"title":"` + title + `"}}}}`))
			return
		}
		w.Write([]byte(`{"query":{"pages":{"-1":{"title":"` + title + `","missing":""}},"search":[]}}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &Config{
		cacheTTL:       time.Hour,
		db:             filepath.Join(t.TempDir(), "wikirace.db"),
		playerTimeout:  time.Minute,
		pollInterval:   50 * time.Millisecond,
		port:           8080,
		sessionTimeout: time.Hour,
		startDocument:  "France",
		targetDocument: "Italie",
		wikiHost:       "fr.wikipedia.org",
		wikiURL:        newFakeWiki(t).URL,
	}
	require.NoError(t, cfg.validate())

	backend, err := newBackend(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	errs := make(chan error, 64)
	go drainErrors(cfg, errs)

	mux, gm := newRouter(cfg, backend, errs)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(gm.Close)

	return srv
}

func noRedirects() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func playerCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()

	for _, c := range resp.Cookies() {
		if c.Name == playerCookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", playerCookieName)
	return nil
}

// newRace creates a private race and returns its path and the host cookie.
func newRace(t *testing.T, srv *httptest.Server) (string, *http.Cookie) {
	t.Helper()

	resp, err := noRedirects().Get(srv.URL + "/race")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/race/"), location)

	return location, playerCookie(t, resp)
}

// visit loads the race page as a new player and returns their cookie.
func visit(t *testing.T, srv *httptest.Server, race string) *http.Cookie {
	t.Helper()

	resp, err := noRedirects().Get(srv.URL + race)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	return playerCookie(t, resp)
}

func dial(t *testing.T, srv *httptest.Server, race string, cookie *http.Cookie) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + race + "/ws"
	header := http.Header{"Cookie": {cookie.String()}}

	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

// readUntil skips messages until one of type typ satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(map[string]any) bool) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", typ)

		if msg["type"] == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}

func getRanking(t *testing.T, srv *httptest.Server, race string) RankingResponse {
	t.Helper()

	resp, err := http.Get(srv.URL + race + "/ranking")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out RankingResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStaticRoutes(t *testing.T) {
	srv := newTestServer(t)

	for path, want := range map[string]int{
		"/":                  http.StatusOK,
		"/healthz":           http.StatusOK,
		"/robots.txt":        http.StatusOK,
		"/version":           http.StatusOK,
		"/assets/page.css":   http.StatusOK,
		"/assets/index.html": http.StatusNotFound,
		"/lobby":             http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestUnknownRace(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/race/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/race/does-not-exist/ranking")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRacePageSetsCookie(t *testing.T) {
	srv := newTestServer(t)

	race, host := newRace(t, srv)

	resp, err := noRedirects().Get(srv.URL + race)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), mediaSources)
	assert.NotEqual(t, host.Value, playerCookie(t, resp).Value)
}

func TestWaitingRoomIsShared(t *testing.T) {
	srv := newTestServer(t)

	join := func(name string) string {
		resp, err := noRedirects().PostForm(srv.URL+"/lobby", url.Values{"name": {name}})
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		return resp.Header.Get("Location")
	}

	first := join("Ada")
	second := join("Grace")
	assert.Equal(t, first, second)

	ranking := getRanking(t, srv, first)
	assert.Equal(t, "waiting", ranking.Phase)
	require.Len(t, ranking.Standings, 2)
	for _, s := range ranking.Standings {
		assert.False(t, s.Finished)
	}
}

func TestOnlyHostStartsRace(t *testing.T) {
	srv := newTestServer(t)

	race, _ := newRace(t, srv)
	guest := visit(t, srv, race)

	conn := dial(t, srv, race, guest)

	info := readUntil(t, conn, "session_info", nil)
	assert.Equal(t, false, info["is_host"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "join", Name: "Grace"}))
	readUntil(t, conn, "session_info", func(m map[string]any) bool { return m["is_existing"] == true })

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "start", Start: "France", Target: "Italie"}))
	readUntil(t, conn, "not_host", nil)

	assert.Equal(t, "waiting", getRanking(t, srv, race).Phase)
}

func TestRaceToTarget(t *testing.T) {
	srv := newTestServer(t)

	race, host := newRace(t, srv)
	conn := dial(t, srv, race, host)

	info := readUntil(t, conn, "session_info", nil)
	assert.Equal(t, true, info["is_host"])
	assert.Equal(t, false, info["is_existing"])
	assert.Equal(t, "France", info["default_start"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "join", Name: "Ada"}))
	readUntil(t, conn, "session_info", func(m map[string]any) bool { return m["is_existing"] == true })

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "start", Start: "France", Target: "Italie"}))

	state := readUntil(t, conn, "game_state", func(m map[string]any) bool { return m["phase"] == "active" })
	assert.Equal(t, "Italie", state["target"])

	doc := readUntil(t, conn, "document", func(m map[string]any) bool { return m["title"] == "France" })
	markup, _ := doc["html"].(string)
	assert.Contains(t, markup, `href="./Italie" data-ref="1"`)
	assert.NotContains(t, markup, "<body")

	// External links stay blocked and leave the race untouched.
	external := 2
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "click", Ref: &external}))
	readUntil(t, conn, "link_blocked", nil)

	italie := 1
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "click", Ref: &italie}))

	finished := readUntil(t, conn, "finished", nil)
	assert.Equal(t, "Ada", finished["name"])

	readUntil(t, conn, "game_state", func(m map[string]any) bool { return m["phase"] == "finished" })

	ranking := getRanking(t, srv, race)
	assert.Equal(t, "finished", ranking.Phase)
	assert.Equal(t, "France", ranking.Start)
	require.Len(t, ranking.Standings, 1)
	assert.Equal(t, "Ada", ranking.Standings[0].Name)
	assert.True(t, ranking.Standings[0].Finished)
	assert.Equal(t, 1, ranking.Standings[0].Position)
	require.NotNil(t, ranking.Standings[0].ElapsedSeconds)
	assert.GreaterOrEqual(t, *ranking.Standings[0].ElapsedSeconds, int64(0))
}
