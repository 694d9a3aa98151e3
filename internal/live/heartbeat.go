package live

import (
	"log"
	"time"
)

// startHeartbeat pings every connection each interval and drops those with
// no client frame within interval + timeout. Browsers answer pings with a
// pong frame, which counts as activity.
func (h *Hub) startHeartbeat() {
	if h.config.HeartbeatInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.checkConnections(time.Now())
			}
		}
	}()
}

func (h *Hub) checkConnections(now time.Time) {
	deadline := h.config.HeartbeatInterval + h.config.HeartbeatTimeout

	for _, c := range h.conns.all() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("[live] heartbeat timeout id=%s idle=%s", c.ID, idle.Round(time.Second))
			h.drop(c, "heartbeat timeout")
			continue
		}
		if err := c.WritePing(); err != nil {
			log.Printf("[live] heartbeat ping id=%s: %v", c.ID, err)
			h.drop(c, "ping failed")
		}
	}
}
