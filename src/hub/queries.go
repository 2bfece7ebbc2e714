package hub

import (
	"sort"
	"time"

	"github.com/wirehub/wirehub/src/types"
)

// ActiveCount returns the number of live connections.
func (h *Hub) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Channels returns channel names with their member counts.
func (h *Hub) Channels() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.channels))
	for name, members := range h.channels {
		out[name] = len(members)
	}
	return out
}

// Connections returns the read-only view of every live connection.
func (h *Hub) Connections() []types.ClientInfo {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	infos := make([]types.ClientInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// OnlineUsers returns the distinct user ids online in a channel, or across
// the whole server when channel is empty. Sorted for stable output.
func (h *Hub) OnlineUsers(channel string) []string {
	h.mu.RLock()
	seen := make(map[string]struct{})
	if channel == "" {
		for userID := range h.users {
			seen[userID] = struct{}{}
		}
	} else {
		for id := range h.channels[channel] {
			if c, ok := h.conns[id]; ok {
				if identity, bound := c.Identity(); bound {
					seen[identity.UserID] = struct{}{}
				}
			}
		}
	}
	h.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// Snapshot captures the statistics surface consumed by dashboards.
func (h *Hub) Snapshot() types.StatsSnapshot {
	return types.StatsSnapshot{
		TotalConnections:  h.total.Load(),
		ActiveConnections: h.ActiveCount(),
		PeakConnections:   h.peak.Load(),
		MessagesReceived:  h.msgsIn.Load(),
		MessagesSent:      h.msgsOut.Load(),
		BytesReceived:     h.bytesIn.Load(),
		BytesSent:         h.bytesOut.Load(),
		Channels:          h.Channels(),
		TakenAt:           time.Now().UTC(),
	}
}
