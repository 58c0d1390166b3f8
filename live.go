package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"gitea.kood.tech/petrkubec/match-me/feed/feed"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/metrics"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// maxIDsPerRequest caps one resolve message.
const maxIDsPerRequest = 100

// TravelRequest is a client message on /ws/travel.
type TravelRequest struct {
	Type         string `json:"type"` // "resolve"
	CandidateIDs []int  `json:"candidate_ids"`
}

// ServerEvent represents a server-sent event
type ServerEvent struct {
	Type string `json:"type"` // "travel" | "info" | "error"
	From int    `json:"from,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Client represents a WebSocket client connection. ctx lives as long as
// the socket; cancelling it abandons this client's pending lookups only.
type Client struct {
	userID int
	conn   *websocket.Conn
	send   chan ServerEvent
	ctx    context.Context
	cancel context.CancelFunc

	// reqCancel ends the lookups of the latest resolve message
	reqMu     sync.Mutex
	reqCancel context.CancelFunc
}

// enqueue blocks until the writer takes evt or the client goes away.
func (c *Client) enqueue(evt ServerEvent) bool {
	return c.enqueueFor(c.ctx, evt)
}

// enqueueFor is enqueue for one request: it gives up once ctx ends.
func (c *Client) enqueueFor(ctx context.Context, evt ServerEvent) bool {
	select {
	case c.send <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// startRequest cancels the previous resolve message's lookups and returns
// the context for the next one. A client has at most one request running.
func (c *Client) startRequest() context.Context {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.reqCancel != nil {
		c.reqCancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.reqCancel = cancel
	return ctx
}

// Hub tracks open travel sockets.
type Hub struct {
	clientsByUser map[int]map[*Client]bool
	mu            sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clientsByUser: make(map[int]map[*Client]bool),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clientsByUser[c.userID] == nil {
		h.clientsByUser[c.userID] = make(map[*Client]bool)
	}
	h.clientsByUser[c.userID][c] = true
	metrics.LiveConnections.Inc()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if peers, ok := h.clientsByUser[c.userID]; ok {
		if !peers[c] {
			return
		}
		delete(peers, c)
		if len(peers) == 0 {
			delete(h.clientsByUser, c.userID)
		}
		metrics.LiveConnections.Dec()
	}
}

// count returns the number of open sockets.
func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, peers := range h.clientsByUser {
		n += len(peers)
	}
	return n
}

// closeAll cancels every client, used on shutdown.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, peers := range h.clientsByUser {
		for c := range peers {
			c.cancel()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by CORS on the REST routes; tokens guard this one
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveDeps are what a travel socket needs.
type liveDeps struct {
	hub         *Hub
	profiles    profileBatcher
	resolver    feed.TravelResolver
	concurrency int
}

// GET /ws/travel streams travel estimates for candidates the client asks
// about. A new resolve message replaces the client's previous one. Closing
// the socket cancels only this client's waits; lookups shared with other
// viewers keep running for them.
func wsTravelHandler(d liveDeps) http.HandlerFunc {
	if d.concurrency <= 0 {
		d.concurrency = 8
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := getUserIDFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Int("user_id", userID).Msg("websocket upgrade failed")
			return
		}

		// the request context ends when the handler returns, so the
		// socket gets its own
		ctx, cancel := context.WithCancel(logging.WithRequestID(context.Background(), logging.RequestID(r.Context())))
		client := &Client{
			userID: userID,
			conn:   conn,
			send:   make(chan ServerEvent, 32),
			ctx:    ctx,
			cancel: cancel,
		}
		d.hub.register(client)

		client.send <- ServerEvent{Type: "info", Data: "connected"}

		go clientWriter(client)
		clientReader(client, d)
	}
}

func clientReader(c *Client, d liveDeps) {
	defer func() {
		c.cancel()
		d.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg TravelRequest
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.enqueue(ServerEvent{Type: "error", Data: "invalid message format"})
			continue
		}

		switch msg.Type {
		case "resolve":
			if len(msg.CandidateIDs) == 0 || len(msg.CandidateIDs) > maxIDsPerRequest {
				c.enqueue(ServerEvent{Type: "error", Data: "invalid candidate_ids"})
				continue
			}
			if d.resolver == nil {
				c.enqueue(ServerEvent{Type: "error", Data: "travel_unavailable"})
				continue
			}
			go resolveForClient(c.startRequest(), c, d, msg.CandidateIDs)
		default:
			c.enqueue(ServerEvent{Type: "error", Data: "unknown message type"})
		}
	}
}

// resolveForClient looks up travel from the client's location to each
// candidate and streams each result as it lands, until ctx ends.
func resolveForClient(ctx context.Context, c *Client, d liveDeps, ids []int) {
	loaders := NewDataLoaders(d.profiles)
	viewer, err := loaders.loadProfiles(ctx, c.userID)
	if err != nil {
		if ctx.Err() == nil {
			c.enqueueFor(ctx, ServerEvent{Type: "error", Data: "profile_not_found"})
		}
		return
	}
	origin := viewer[0].Location
	if origin == nil || !origin.Finite() {
		c.enqueueFor(ctx, ServerEvent{Type: "error", Data: "no_location"})
		return
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			cand, err := loaders.ProfileLoader.Load(ctx, id)()
			switch {
			case errors.Is(err, model.ErrNotFound):
				c.enqueueFor(ctx, ServerEvent{Type: "error", From: id, Data: "not_found"})
				return nil
			case err != nil:
				if ctx.Err() == nil {
					logging.Ctx(ctx).Warn().Err(err).Int("candidate_id", id).Msg("live travel profile load failed")
					c.enqueueFor(ctx, ServerEvent{Type: "error", From: id, Data: "lookup_failed"})
				}
				return nil
			case cand.Location == nil || !cand.Location.Finite():
				c.enqueueFor(ctx, ServerEvent{Type: "error", From: id, Data: "no_location"})
				return nil
			}

			res := d.resolver.Resolve(ctx, *origin, *cand.Location)
			if ctx.Err() != nil {
				return nil
			}
			c.enqueueFor(ctx, ServerEvent{Type: "travel", From: id, Data: res})
			return nil
		})
	}
	_ = g.Wait()
}

func clientWriter(c *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case evt := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(evt); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			// ping to keep the connection alive
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}
