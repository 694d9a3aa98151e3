// Package live pushes moderation queue changes to moderators over
// WebSocket, so every open review view reflects mutations made by other
// moderators and by users as they happen.
package live

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/graceline/safety/internal/metrics"
	"github.com/graceline/safety/internal/protocol"
	"github.com/graceline/safety/internal/queue"
	"github.com/graceline/safety/internal/ratelimit"
)

// Lister returns the current queue listing for a snapshot. Implemented by
// queue.Service.
type Lister interface {
	List(ctx context.Context, f queue.Filter, limit int) ([]queue.Item, error)
}

// Config holds hub tuning parameters.
type Config struct {
	MaxConnections    int
	SnapshotLimit     int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns defaults sized for a small moderation team.
func DefaultConfig() Config {
	return Config{
		MaxConnections:    200,
		SnapshotLimit:     200,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Hub tracks moderator connections and fans out queue changes.
type Hub struct {
	config  Config
	lister  Lister
	limiter ratelimit.Allower
	conns   *registry

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub and starts its heartbeat. limiter may be nil.
func NewHub(config Config, lister Lister, limiter ratelimit.Allower) *Hub {
	h := &Hub{
		config:  config,
		lister:  lister,
		limiter: limiter,
		conns:   newRegistry(),
		done:    make(chan struct{}),
	}
	h.startHeartbeat()
	return h
}

// Count returns the number of connected moderators.
func (h *Hub) Count() int {
	return h.conns.count()
}

// Serve upgrades the request and runs the connection until it closes.
// moderator identifies the authenticated caller for logs.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, moderator string) {
	if h.conns.count() >= h.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[live] upgrade failed: %v", err)
		return
	}

	if d := h.check(r.Context(), moderator); !d.Allowed {
		retry := max(int(math.Ceil(d.RetryAfter.Seconds())), 1)
		data, _ := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
		wsutil.WriteServerMessage(conn, ws.OpText, data)
		conn.Close()
		log.Printf("[live] rate limited moderator=%s retry_after=%ds", moderator, retry)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		Moderator: moderator,
		Conn:      conn,
		CreatedAt: now,
		filter:    queue.FilterAll,
		lastSeen:  now,
	}
	h.conns.add(c)
	metrics.LiveConnections.Inc()
	log.Printf("[live] connected id=%s moderator=%s total=%d", c.ID, moderator, h.conns.count())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
}

// check applies the per-moderator connection rule. Limiter errors fail
// open so an outage never locks moderators out of the queue.
func (h *Hub) check(ctx context.Context, moderator string) ratelimit.Decision {
	if h.limiter == nil {
		return ratelimit.Decision{Allowed: true}
	}
	d, err := h.limiter.Check(ctx, moderator, ratelimit.RuleLive)
	if err != nil {
		log.Printf("[live] rate limit check failed for %s: %v", moderator, err)
		return ratelimit.Decision{Allowed: true}
	}
	return d
}

func (h *Hub) readLoop(c *Connection) {
	defer h.drop(c, "closed")

	for {
		data, op, err := wsutil.ReadClientData(c.Conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[live] read id=%s: %v", c.ID, err)
			}
			return
		}
		c.touch(time.Now())
		if op != ws.OpText {
			continue
		}
		h.handleMessage(c, data)
	}
}

func (h *Hub) handleMessage(c *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		h.send(c, protocol.TypeError, protocol.ErrorMsg{Code: "bad_message", Message: err.Error()})
		return
	}

	switch msgType {
	case protocol.TypePing:
		h.send(c, protocol.TypePong, protocol.PongMsg{})
	case protocol.TypeSubscribe:
		m := msg.(protocol.SubscribeMsg)
		f, err := queue.ParseFilter(m.Filter)
		if err != nil {
			h.send(c, protocol.TypeError, protocol.ErrorMsg{Code: "bad_filter", Message: err.Error()})
			return
		}
		c.setFilter(f)
		h.sendSnapshot(c, f)
	}
}

func (h *Hub) sendSnapshot(c *Connection, f queue.Filter) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
	defer cancel()

	items, err := h.lister.List(ctx, f, h.config.SnapshotLimit)
	if err != nil {
		log.Printf("[live] snapshot id=%s filter=%s: %v", c.ID, f, err)
		h.send(c, protocol.TypeError, protocol.ErrorMsg{Code: "snapshot_failed", Message: "could not load queue"})
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	h.send(c, protocol.TypeSnapshot, protocol.SnapshotMsg{Filter: string(f), Items: items})
}

// HandleChange fans one encoded queue.Change out to every connection whose
// filter it may affect. Changes without an item body (flags, deletions)
// go to everyone.
func (h *Hub) HandleChange(data []byte) {
	var change queue.Change
	if err := json.Unmarshal(data, &change); err != nil {
		log.Printf("[live] bad change payload: %v", err)
		return
	}
	msg, err := protocol.NewServerMessage(protocol.TypeQueueChanged, protocol.QueueChangedMsg{Change: change})
	if err != nil {
		log.Printf("[live] encode change: %v", err)
		return
	}

	for _, c := range h.conns.all() {
		if change.Item != nil && !relevant(c.Filter(), *change.Item) {
			continue
		}
		if err := c.WriteMessage(msg, h.config.WriteTimeout); err != nil {
			log.Printf("[live] write id=%s: %v", c.ID, err)
			h.drop(c, "write failed")
		}
	}
}

// relevant reports whether a change to it concerns a view with filter f.
// An item leaving a filtered view (unhidden, edited) is still relevant so
// the view can remove it; only public views ignore hidden items.
func relevant(f queue.Filter, it queue.Item) bool {
	if f == queue.FilterPublic {
		return f.Match(it)
	}
	return true
}

func (h *Hub) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[live] encode %s: %v", msgType, err)
		return
	}
	if err := c.WriteMessage(data, h.config.WriteTimeout); err != nil {
		log.Printf("[live] write id=%s: %v", c.ID, err)
		h.drop(c, "write failed")
	}
}

func (h *Hub) drop(c *Connection, reason string) {
	if h.conns.remove(c.ID) {
		metrics.LiveConnections.Dec()
		log.Printf("[live] disconnected id=%s moderator=%s reason=%s", c.ID, c.Moderator, reason)
	}
}

// Close disconnects everyone and stops the heartbeat.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.done)
		for _, c := range h.conns.all() {
			h.drop(c, "shutdown")
		}
		h.wg.Wait()
	})
}
