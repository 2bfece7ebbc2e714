package hub

import (
	"time"

	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/types"
)

// Join adds a connection to a channel. The connection must be authenticated
// and the tenant must pass the ACL. Channels are created lazily on first
// join. Joining a channel twice is a no-op and produces no notice; a first
// join broadcasts user_joined to the members that were already present.
func (h *Hub) Join(connID, channel string, acl auth.ChannelACL) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return types.NewInternalError()
	}
	identity, bound := c.Identity()
	if !bound {
		h.mu.Unlock()
		return types.NewAuthError("authentication required")
	}
	if acl != nil && !acl.CanJoin(identity.TenantID, channel) {
		h.mu.Unlock()
		return types.NewChannelError("access to channel denied")
	}

	members := h.channels[channel]
	if _, already := members[connID]; already {
		h.mu.Unlock()
		return nil
	}

	prior := make([]*Conn, 0, len(members))
	for id := range members {
		if m, ok := h.conns[id]; ok {
			prior = append(prior, m)
		}
	}

	if members == nil {
		members = make(map[string]struct{})
		h.channels[channel] = members
	}
	members[connID] = struct{}{}
	c.addChannel(channel)
	h.mu.Unlock()

	notice := EncodeReply(types.Reply{
		Type:      types.TypeUserJoined,
		Channel:   channel,
		UserID:    identity.UserID,
		Timestamp: time.Now().UTC(),
	})
	for _, m := range prior {
		h.deliver(m, notice)
	}

	h.logger.Debug().
		Str("connection_id", connID).
		Str("user_id", identity.UserID).
		Str("channel", channel).
		Msg("joined channel")
	return nil
}

// Leave removes a connection from a channel. The channel entry is deleted
// when its member set becomes empty; no orphan channels persist. Remaining
// members get a user_left notice.
func (h *Hub) Leave(connID, channel string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return types.NewInternalError()
	}
	members, ok := h.channels[channel]
	if !ok {
		h.mu.Unlock()
		return types.NewChannelError("not a member of channel " + channel)
	}
	if _, member := members[connID]; !member {
		h.mu.Unlock()
		return types.NewChannelError("not a member of channel " + channel)
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
	c.removeChannel(channel)
	identity, _ := c.Identity()

	remaining := make([]*Conn, 0, len(members))
	for id := range members {
		if m, ok := h.conns[id]; ok {
			remaining = append(remaining, m)
		}
	}
	h.mu.Unlock()

	notice := EncodeReply(types.Reply{
		Type:      types.TypeUserLeft,
		Channel:   channel,
		UserID:    identity.UserID,
		Timestamp: time.Now().UTC(),
	})
	for _, m := range remaining {
		h.deliver(m, notice)
	}

	h.logger.Debug().
		Str("connection_id", connID).
		Str("channel", channel).
		Msg("left channel")
	return nil
}

// IsMember reports whether a connection belongs to a channel.
func (h *Hub) IsMember(connID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][connID]
	return ok
}

// Broadcast queues a frame for every member of a channel except excludeID.
// Per-recipient failures are swallowed and do not abort delivery to the
// rest. Returns the number of connections the frame was queued for.
func (h *Hub) Broadcast(channel string, frame []byte, excludeID string) int {
	h.mu.RLock()
	members := h.channels[channel]
	targets := make([]*Conn, 0, len(members))
	for id := range members {
		if id == excludeID {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, frame) {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll queues a frame for every authenticated connection except
// excludeID.
func (h *Hub) BroadcastAll(frame []byte, excludeID string) int {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id == excludeID {
			continue
		}
		if _, bound := c.Identity(); bound {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, frame) {
			delivered++
		}
	}
	return delivered
}

// SendPrivate queues a frame for every connection the user currently has
// open, covering multi-device and multi-tab sessions. Returns the number of
// connections reached.
func (h *Hub) SendPrivate(userID string, frame []byte) int {
	h.mu.RLock()
	ids := h.users[userID]
	targets := make([]*Conn, 0, len(ids))
	for id := range ids {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if h.deliver(c, frame) {
			delivered++
		}
	}
	return delivered
}
