// Wikirace
//
// Players race from a start article to a target article of an online
// encyclopedia, moving only by following the links inside each article.
//
// Features:
// - WebSockets per race: /race/:gameid and /race/:gameid/ws
// - /race creates a private race hosted by the caller; /lobby matches
//   players into the shared waiting room, whose first player hosts it
// - Players identified by cookie (playerID)
// - Only the host may start a race, and starting twice is harmless
// - Articles are fetched and sandboxed server-side with numbered links,
//   so every click is resolved, checked and recorded by the server
// - Each player finishes on their own; the race ends once everyone has
// - Roster, finish and ranking updates pushed through the realtime bridge
// - Races stop pushing updates after a configurable idle timeout
// - In-browser QR button to share the current race, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
	"golang.org/x/net/html"

	"github.com/Seednode/wikirace/internal/errclass"
	"github.com/Seednode/wikirace/internal/intercept"
	"github.com/Seednode/wikirace/internal/linkresolve"
	"github.com/Seednode/wikirace/internal/realtime"
	"github.com/Seednode/wikirace/internal/session"
	"github.com/Seednode/wikirace/internal/wiki"
)

const (
	maxMessageSize = 4 << 10
	writeWait      = 10 * time.Second
)

// Messages coming from clients
type ClientMessage struct {
	Type   string `json:"type"`             // "join", "start", "click", "ranking"
	Name   string `json:"name,omitempty"`   // join
	Start  string `json:"start,omitempty"`  // start
	Target string `json:"target,omitempty"` // start
	Ref    *int   `json:"ref,omitempty"`    // click
}

// SessionInfoMessage is sent on connect and after joining so the client
// knows what role this cookie has.
type SessionInfoMessage struct {
	Type          string `json:"type"` // "session_info"
	SessionID     string `json:"session_id"`
	Lobby         bool   `json:"lobby"`
	IsHost        bool   `json:"is_host"`
	IsExisting    bool   `json:"is_existing"` // true if this cookie already joined
	Name          string `json:"name,omitempty"`
	DefaultStart  string `json:"default_start,omitempty"`
	DefaultTarget string `json:"default_target,omitempty"`
}

type PlayerState struct {
	Name           string `json:"name"`
	Online         bool   `json:"online"`
	Finished       bool   `json:"finished"`
	ElapsedSeconds *int64 `json:"elapsed_seconds,omitempty"`
}

// PlayersMessage lists every participant of the race.
type PlayersMessage struct {
	Type    string        `json:"type"` // "players"
	Players []PlayerState `json:"players"`
}

// GameStateMessage broadcasts the phase and the documents being raced.
type GameStateMessage struct {
	Type      string     `json:"type"` // "game_state"
	Phase     string     `json:"phase"`
	Start     string     `json:"start,omitempty"`
	Target    string     `json:"target,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// DocumentMessage carries a sandboxed article to a single client.
type DocumentMessage struct {
	Type  string `json:"type"` // "document"
	Title string `json:"title"`
	ID    string `json:"id"`
	HTML  string `json:"html"`
}

// FinishedMessage announces that a player reached the target.
type FinishedMessage struct {
	Type           string `json:"type"` // "finished"
	Name           string `json:"name"`
	ElapsedSeconds *int64 `json:"elapsed_seconds,omitempty"`
	Message        string `json:"message"`
}

type RankingMessage struct {
	Type      string             `json:"type"` // "ranking"
	Standings []session.Standing `json:"standings"`
}

// SimpleMessage is for generic notifications ("error", "not_host", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func errorMessage(err error) SimpleMessage {
	kind := "error"
	switch {
	case errors.Is(err, errclass.ErrNotHost):
		kind = "not_host"
	case errors.Is(err, errclass.ErrNotWaiting):
		kind = "lobby_closed"
	}
	return SimpleMessage{Type: kind, Message: userMessage(err)}
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string

	view *clientView
	nav  *intercept.Interceptor
	stop context.CancelFunc

	// opened is only touched by the hub goroutine.
	opened bool
}

// clientView receives the articles loaded for one client.
type clientView struct {
	hub    *Hub
	client *Client

	mu      sync.Mutex
	anchors []*html.Node
}

func (v *clientView) Show(doc intercept.Loaded) {
	markup, err := wiki.InnerHTML(doc.Root)
	if err != nil {
		v.Failed(doc.Title, err)

		return
	}

	v.mu.Lock()
	v.anchors = wiki.Anchors(doc.Root)
	v.mu.Unlock()

	v.hub.deliver(v.client, DocumentMessage{
		Type:  "document",
		Title: doc.Title,
		ID:    string(doc.ID),
		HTML:  markup,
	})
}

func (v *clientView) Failed(title string, err error) {
	v.hub.deliver(v.client, errorMessage(err))
}

func (v *clientView) anchor(ref int) *html.Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ref < 0 || ref >= len(v.anchors) {
		return nil
	}
	return v.anchors[ref]
}

// playerNavigator records one player's navigations.
type playerNavigator struct {
	machine   *session.Machine
	sessionID string
	playerID  string
}

func (n playerNavigator) Navigate(ctx context.Context, ev linkresolve.NavigationEvent) error {
	_, err := n.machine.Navigate(ctx, n.sessionID, n.playerID, ev)
	return err
}

type joinRequest struct {
	client *Client
	msg    ClientMessage
}

type startRequest struct {
	client *Client
	msg    ClientMessage
}

type delivery struct {
	client *Client
	msg    any
}

type Hub struct {
	id      string
	backend *Backend
	bridge  *realtime.Bridge
	clients map[*Client]bool

	register   chan *Client
	unreg      chan *Client
	joins      chan joinRequest
	starts     chan startRequest
	rankings   chan *Client
	signals    chan realtime.Signal
	deliveries chan delivery

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	lastActive time.Time
}

func newHub(cfg *Config, backend *Backend, gameID string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		id:         gameID,
		backend:    backend,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		starts:     make(chan startRequest),
		rankings:   make(chan *Client),
		signals:    make(chan realtime.Signal),
		deliveries: make(chan delivery),
		ctx:        ctx,
		cancel:     cancel,
		lastActive: time.Now(),
	}

	h.bridge = realtime.NewBridge(backend.broker, backend.machine, gameID, realtime.BridgeOptions{
		PollInterval: cfg.pollInterval,
		Logf:         cfg.logger(),
	})
	h.bridge.Listen(func(sig realtime.Signal) {
		post(h, h.signals, sig)
	})

	return h
}

// post hands v to the hub loop unless the hub has been closed.
func post[T any](h *Hub, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) deliver(c *Client, msg any) {
	post(h, h.deliveries, delivery{client: c, msg: msg})
}

func (h *Hub) run(cfg *Config) {
	go func() {
		_ = h.bridge.Run(h.ctx)
	}()

	for {
		select {
		case <-h.ctx.Done():
			return

		case c := <-h.register:
			h.handleRegister(cfg, c)

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

			h.broadcastPlayers(cfg)

		case jr := <-h.joins:
			h.handleJoin(cfg, jr)

		case sr := <-h.starts:
			h.handleStart(cfg, sr)

		case c := <-h.rankings:
			h.sendRanking(cfg, c)

		case sig := <-h.signals:
			h.handleSignal(cfg, sig)

		case d := <-h.deliveries:
			h.mu.Lock()
			h.sendLocked(d.client, d.msg)
			h.mu.Unlock()
		}
	}
}

// sendLocked queues msg for c, dropping clients that cannot keep up.
func (h *Hub) sendLocked(c *Client, msg any) {
	if !h.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

// openLocked shows the start article to c, once per connection. Open is
// called off the hub goroutine because the view delivers back through it.
func (h *Hub) openLocked(c *Client, title string) {
	if c.opened || title == "" || !h.clients[c] {
		return
	}
	c.opened = true

	go func() {
		if _, err := c.nav.Open(title); err != nil {
			h.deliver(c, errorMessage(err))
		}
	}()
}

func isHost(s session.Session, playerID string) bool {
	return s.HostID == "" || s.HostID == playerID
}

func gameState(s session.Session) GameStateMessage {
	return GameStateMessage{
		Type:      "game_state",
		Phase:     string(s.Phase),
		Start:     s.Start.Title,
		Target:    s.Target.Title,
		StartedAt: s.StartedAt,
	}
}

func findParticipant(ps []session.Participant, id string) (session.Participant, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return session.Participant{}, false
}

func (h *Hub) state() (session.Session, []session.Participant, error) {
	s, err := h.backend.machine.Session(h.ctx, h.id)
	if err != nil {
		return session.Session{}, nil, err
	}

	ps, err := h.backend.machine.Participants(h.ctx, h.id)
	if err != nil {
		return session.Session{}, nil, err
	}

	return s, ps, nil
}

func (h *Hub) sessionInfo(cfg *Config, s session.Session, c *Client, p session.Participant, existing bool) SessionInfoMessage {
	return SessionInfoMessage{
		Type:          "session_info",
		SessionID:     s.ID,
		Lobby:         s.Lobby,
		IsHost:        isHost(s, c.playerID),
		IsExisting:    existing,
		Name:          p.Name,
		DefaultStart:  cfg.startDocument,
		DefaultTarget: cfg.targetDocument,
	}
}

func (h *Hub) handleRegister(cfg *Config, c *Client) {
	s, ps, err := h.state()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()
	h.clients[c] = true

	if err != nil {
		logf(cfg, "ERROR: Loading race %s: %v", h.id, err)
		h.sendLocked(c, errorMessage(err))

		return
	}

	me, existing := findParticipant(ps, c.playerID)

	h.sendLocked(c, h.sessionInfo(cfg, s, c, me, existing))
	h.sendLocked(c, gameState(s))
	h.broadcastPlayersLocked(ps)

	if existing && s.Phase.Started() {
		h.openLocked(c, s.Start.Title)
	}
}

func (h *Hub) handleJoin(cfg *Config, jr joinRequest) {
	c := jr.client

	p, err := h.backend.machine.Join(h.ctx, h.id, c.playerID, jr.msg.Name)
	if err != nil {
		logf(cfg, "GAMES: Join of %s refused: %v", h.id, err)

		h.mu.Lock()
		h.sendLocked(c, errorMessage(err))
		h.mu.Unlock()

		return
	}

	s, err := h.backend.machine.Session(h.ctx, h.id)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	if err != nil {
		h.sendLocked(c, errorMessage(err))

		return
	}

	h.sendLocked(c, h.sessionInfo(cfg, s, c, p, true))

	if s.Phase.Started() {
		h.openLocked(c, s.Start.Title)
	}
}

// handleStart runs the start off the hub goroutine: picking documents may
// query the wiki. Activation reaches every client through the bridge.
func (h *Hub) handleStart(cfg *Config, sr startRequest) {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()

	opts := session.StartOptions{
		Start:  strings.TrimSpace(sr.msg.Start),
		Target: strings.TrimSpace(sr.msg.Target),
	}

	go func() {
		if _, err := h.backend.machine.Start(h.ctx, h.id, sr.client.playerID, opts); err != nil {
			logf(cfg, "GAMES: Start of %s failed: %v", h.id, err)
			h.deliver(sr.client, errorMessage(err))
		}
	}()
}

func (h *Hub) sendRanking(cfg *Config, c *Client) {
	standings, err := h.backend.machine.Ranking(h.ctx, h.id)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		logf(cfg, "ERROR: Ranking %s: %v", h.id, err)
		h.sendLocked(c, errorMessage(err))

		return
	}

	h.sendLocked(c, RankingMessage{Type: "ranking", Standings: standings})
}

func (h *Hub) broadcastRankingLocked(cfg *Config) {
	standings, err := h.backend.machine.Ranking(h.ctx, h.id)
	if err != nil {
		logf(cfg, "ERROR: Ranking %s: %v", h.id, err)

		return
	}

	h.broadcastLocked(RankingMessage{Type: "ranking", Standings: standings})
}

func (h *Hub) broadcastPlayers(cfg *Config) {
	ps, err := h.backend.machine.Participants(h.ctx, h.id)
	if err != nil {
		logf(cfg, "ERROR: Listing players of %s: %v", h.id, err)

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.broadcastPlayersLocked(ps)
}

func (h *Hub) broadcastPlayersLocked(ps []session.Participant) {
	online := make(map[string]bool, len(h.clients))
	for c := range h.clients {
		online[c.playerID] = true
	}

	players := make([]PlayerState, 0, len(ps))
	for _, p := range ps {
		players = append(players, PlayerState{
			Name:           p.Name,
			Online:         online[p.ID],
			Finished:       p.Finished(),
			ElapsedSeconds: p.ElapsedSeconds,
		})
	}

	h.broadcastLocked(PlayersMessage{Type: "players", Players: players})
}

func (h *Hub) handleSignal(cfg *Config, sig realtime.Signal) {
	s, ps, err := h.state()
	if err != nil {
		logf(cfg, "ERROR: Loading race %s after %s: %v", h.id, sig.Kind, err)

		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	switch sig.Kind {
	case realtime.SignalActivated:
		logf(cfg, "GAMES: Race %s started: %q -> %q", h.id, s.Start.Title, s.Target.Title)

		h.broadcastLocked(gameState(s))
		for c := range h.clients {
			if _, ok := findParticipant(ps, c.playerID); ok {
				h.openLocked(c, s.Start.Title)
			}
		}

	case realtime.SignalRoster:
		h.broadcastPlayersLocked(ps)

	case realtime.SignalFinished:
		p, ok := findParticipant(ps, sig.ParticipantID)
		if !ok {
			return
		}

		text := p.Name + " reached " + s.Target.Title + "."
		if p.ElapsedSeconds != nil {
			text = p.Name + " reached " + s.Target.Title + " in " + (time.Duration(*p.ElapsedSeconds) * time.Second).String() + "."
		}

		h.broadcastLocked(FinishedMessage{
			Type:           "finished",
			Name:           p.Name,
			ElapsedSeconds: p.ElapsedSeconds,
			Message:        text,
		})
		h.broadcastPlayersLocked(ps)
		h.broadcastRankingLocked(cfg)

	case realtime.SignalEnded:
		logf(cfg, "GAMES: Race %s is over", h.id)

		h.broadcastLocked(gameState(s))
		h.broadcastRankingLocked(cfg)
	}
}

// closeAll disconnects all clients of this hub (used by reaper).
func (h *Hub) closeAll() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const playerCookieName = "wikirace_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// GameManager holds a set of hubs keyed by race ID, so each $path/$gameid
// is its own isolated session.
type GameManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	backend     *Backend
	idleTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

func newGameManager(backend *Backend, idleTimeout time.Duration) *GameManager {
	gm := &GameManager{
		hubs:        make(map[string]*Hub),
		backend:     backend,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// getHub returns the hub of a stored race, starting it if needed.
func (gm *GameManager) getHub(ctx context.Context, cfg *Config, gameID string) (*Hub, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if hub, ok := gm.hubs[gameID]; ok {
		return hub, nil
	}

	if _, err := gm.backend.machine.Session(ctx, gameID); err != nil {
		return nil, err
	}

	hub := newHub(cfg, gm.backend, gameID)
	gm.hubs[gameID] = hub
	go hub.run(cfg)
	return hub, nil
}

// reaperLoop periodically removes hubs that have been idle longer than idleTimeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-gm.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for id, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(gm.hubs, id)
				go hub.closeAll()
			}
		}
		gm.mu.Unlock()
	}
}

// Close stops the reaper and disconnects every race.
func (gm *GameManager) Close() {
	gm.closeOnce.Do(func() {
		close(gm.done)
	})

	gm.mu.Lock()
	defer gm.mu.Unlock()

	for id, hub := range gm.hubs {
		delete(gm.hubs, id)
		hub.closeAll()
	}
}

func newClient(cfg *Config, h *Hub, conn *websocket.Conn, playerID string) (*Client, context.Context) {
	ctx, cancel := context.WithCancel(h.ctx)

	view := &clientView{hub: h}
	c := &Client{
		conn:     conn,
		send:     make(chan any, 16),
		playerID: playerID,
		view:     view,
		stop:     cancel,
	}
	view.client = c

	c.nav = intercept.New(playerNavigator{
		machine:   h.backend.machine,
		sessionID: h.id,
		playerID:  playerID,
	}, intercept.Options{
		Host:   h.backend.wiki.Host(),
		Logf:   cfg.logger(),
		Loader: h.backend.wiki,
		View:   view,
	})

	return c, ctx
}

// WebSocket handler that picks the hub based on :gameid
func serveWSForManager(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub, err := gm.getHub(r.Context(), cfg, gameID)
		if err != nil {
			http.Error(w, userMessage(err), statusFor(err))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client, ctx := newClient(cfg, hub, conn, playerID)

		if !post(hub, hub.register, client) {
			client.stop()
			_ = conn.Close()
			return
		}

		go func() {
			_ = client.nav.Run(ctx)
		}()
		go client.writePump(cfg)
		client.readPump(cfg, hub)
	}
}

func (c *Client) extendDeadline(cfg *Config) {
	if cfg.playerTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.playerTimeout))
	}
}

func (c *Client) readPump(cfg *Config, h *Hub) {
	defer func() {
		c.stop()
		post(h, h.unreg, c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.extendDeadline(cfg)
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline(cfg)
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.extendDeadline(cfg)

		switch msg.Type {
		case "join":
			post(h, h.joins, joinRequest{
				client: c,
				msg:    msg,
			})
		case "start":
			post(h, h.starts, startRequest{
				client: c,
				msg:    msg,
			})
		case "click":
			c.click(cfg, h, msg)
		case "ranking":
			post(h, h.rankings, c)
		default:
			// ignore unknown types
		}
	}
}

// click replays a click on the numbered anchor of the displayed article.
func (c *Client) click(cfg *Config, h *Hub, msg ClientMessage) {
	if msg.Ref == nil {
		return
	}

	target := c.view.anchor(*msg.Ref)
	if target == nil {
		return
	}

	prevented := false
	outcome := c.nav.HandleClick(intercept.Click{
		Target:         target,
		PreventDefault: func() { prevented = true },
	})

	logf(cfg, "RACE: Click on link %d by %s in %s: %s (prevented: %t)", *msg.Ref, c.playerID, h.id, outcome, prevented)

	if outcome == intercept.OutcomeSuppressed {
		h.deliver(c, SimpleMessage{
			Type:    "link_blocked",
			Message: "That link leads outside the encyclopedia.",
		})
	}
}

func (c *Client) writePump(cfg *Config) {
	var ping <-chan time.Time
	if cfg.playerTimeout > 0 {
		ticker := time.NewTicker(cfg.playerTimeout / 2)
		defer ticker.Stop()

		ping = ticker.C
	}

	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// QR handler: generates a PNG QR code for the current race URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		scheme := cfg.scheme()
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

// RankingResponse is the public summary of a race.
type RankingResponse struct {
	SessionID string             `json:"session_id"`
	Phase     string             `json:"phase"`
	Start     string             `json:"start,omitempty"`
	Target    string             `json:"target,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
	Standings []session.Standing `json:"standings"`
}

func serveRanking(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		machine := gm.backend.machine
		gameID := ps.ByName("gameid")

		s, err := machine.Session(r.Context(), gameID)
		if err != nil {
			http.Error(w, userMessage(err), statusFor(err))
			return
		}

		standings, err := machine.Ranking(r.Context(), gameID)
		if err != nil {
			logf(cfg, "ERROR: Ranking %s: %v", gameID, err)
			http.Error(w, userMessage(err), statusFor(err))
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(RankingResponse{
			SessionID: s.ID,
			Phase:     string(s.Phase),
			Start:     s.Start.Title,
			Target:    s.Target.Title,
			StartedAt: s.StartedAt,
			Standings: standings,
		}); err != nil {
			errs <- err
		}
	}
}

func serveRaceIndex(cfg *Config, gm *GameManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if _, err := gm.backend.machine.Session(r.Context(), ps.ByName("gameid")); err != nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			securityHeaders(cfg, w)
			w.WriteHeader(statusFor(err))

			_, _ = w.Write([]byte(newPage("Race not found", userMessage(err))))

			return
		}

		_ = getOrSetPlayerID(w, r)

		securityHeaders(cfg, w)
		cspRace(cfg, w)

		writeAsset(cfg, w, r, "assets/race/index.html", errs)
	}
}

func serveLobby(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		_ = getOrSetPlayerID(w, r)

		securityHeaders(cfg, w)

		writeAsset(cfg, w, r, "assets/lobby.html", errs)
	}
}

// joinWaitingRoom handles POST /lobby by adding the player to the shared
// waiting room and redirecting them to it.
func joinWaitingRoom(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form", http.StatusBadRequest)
			return
		}

		s, p, err := gm.backend.machine.JoinWaitingRoom(r.Context(), playerID, r.PostFormValue("name"))
		if err != nil {
			logf(cfg, "ERROR: Joining waiting room: %v", err)
			http.Error(w, userMessage(err), statusFor(err))
			return
		}

		logf(cfg, "GAMES: %q is waiting in %s", p.Name, s.ID)
		http.Redirect(w, r, cfg.prefix+path+"/"+s.ID, http.StatusSeeOther)
	}
}

// redirectNewGame handles GET /path by creating a race hosted by the caller
// and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		s, err := gm.backend.machine.NewSession(r.Context(), playerID)
		if err != nil {
			logf(cfg, "ERROR: Creating race: %v", err)
			http.Error(w, userMessage(err), statusFor(err))
			return
		}

		http.Redirect(w, r, cfg.prefix+path+"/"+s.ID, http.StatusTemporaryRedirect)
	}
}

// registerRace sets up routes so that:
//   - $path                  → redirects to a new private race
//   - /lobby                 → waiting room form; POST joins the shared race
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that race
//   - $path/:gameid/qr       → PNG QR code for that race URL
//   - $path/:gameid/ranking  → JSON standings
func registerRace(cfg *Config, path string, mux *httprouter.Router, backend *Backend, errs chan<- error) *GameManager {
	gm := newGameManager(backend, cfg.sessionTimeout)

	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, gm))

	mux.GET(cfg.prefix+"/lobby", serveLobby(cfg, errs))
	mux.POST(cfg.prefix+"/lobby", joinWaitingRoom(cfg, path, gm))

	mux.GET(cfg.prefix+path+"/:gameid", serveRaceIndex(cfg, gm, errs))

	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForManager(cfg, gm))

	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler(cfg))

	mux.GET(cfg.prefix+path+"/:gameid/ranking", serveRanking(cfg, gm, errs))

	return gm
}
