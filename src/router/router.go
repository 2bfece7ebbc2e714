// Package router decodes the application envelope and dispatches each
// message to its handler. Handlers validate their own fields before touching
// any state; failures become typed error replies and the connection stays
// alive for everything but protocol errors.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirehub/wirehub/src/audit"
	"github.com/wirehub/wirehub/src/auth"
	"github.com/wirehub/wirehub/src/hub"
	"github.com/wirehub/wirehub/src/types"
)

// Router dispatches application messages to handlers.
type Router struct {
	hub       *hub.Hub
	validator auth.TokenValidator
	acl       auth.ChannelACL
	sink      audit.Sink
	logger    zerolog.Logger
}

// New creates a router. validator and acl may be nil, in which case auth
// always fails and joins are unrestricted respectively.
func New(h *hub.Hub, validator auth.TokenValidator, acl auth.ChannelACL, sink audit.Sink, logger zerolog.Logger) *Router {
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Router{
		hub:       h,
		validator: validator,
		acl:       acl,
		sink:      sink,
		logger:    logger.With().Str("component", "router").Logger(),
	}
}

// Handle processes one inbound application message. A panic in a handler is
// contained here: it is logged, reported to the audit sink, and answered
// with a generic internal error; the connection survives.
func (r *Router) Handle(ctx context.Context, c *hub.Conn, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("connection_id", c.ID).
				Any("panic", rec).
				Msg("handler panic recovered")
			r.sink.Record("internal_error", map[string]any{
				"connection_id": c.ID,
				"timestamp":     time.Now().UTC(),
			})
			r.replyErr(c, types.NewInternalError())
		}
	}()

	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
		r.replyErr(c, &types.Error{Kind: types.KindProtocol, Message: "malformed message envelope"})
		return
	}

	// Until a connection authenticates, auth is the only message type it
	// may send; everything else is rejected with no side effect.
	if msg.Type != types.TypeAuth {
		if _, bound := c.Identity(); !bound {
			r.replyErr(c, types.NewAuthError("authentication required"))
			return
		}
	}

	var err error
	switch msg.Type {
	case types.TypeAuth:
		err = r.handleAuth(ctx, c, msg)
	case types.TypeJoinChannel:
		err = r.handleJoin(c, msg)
	case types.TypeLeaveChannel:
		err = r.handleLeave(c, msg)
	case types.TypeSendMessage:
		err = r.handleSend(c, msg)
	case types.TypeBroadcast:
		err = r.handleBroadcast(c, msg)
	case types.TypePrivateMessage:
		err = r.handlePrivate(c, msg)
	case types.TypePing:
		err = r.handlePing(c)
	case types.TypeGetOnlineUsers:
		err = r.handleOnlineUsers(c, msg)
	case types.TypeTyping:
		err = r.handleTyping(c, msg)
	default:
		r.replyErr(c, types.NewUnknownTypeError(msg.Type))
		return
	}

	if err != nil {
		r.replyErr(c, types.AsError(err))
		return
	}
	r.audit(c, msg.Type)
}

func (r *Router) handleAuth(ctx context.Context, c *hub.Conn, msg types.Message) error {
	if msg.Token == "" {
		return types.NewAuthError("token is required")
	}
	if r.validator == nil {
		return types.NewAuthError("authentication is not configured")
	}
	identity, err := r.validator.Validate(ctx, msg.Token)
	if err != nil {
		r.logger.Debug().Str("connection_id", c.ID).Err(err).Msg("token rejected")
		return types.NewAuthError("invalid token")
	}
	if err := r.hub.Bind(c.ID, identity); err != nil {
		return err
	}
	c.SendReply(types.Reply{
		Type:     types.TypeAuthOK,
		UserID:   identity.UserID,
		TenantID: identity.TenantID,
	})
	return nil
}

func (r *Router) handleJoin(c *hub.Conn, msg types.Message) error {
	if msg.Channel == "" {
		return types.NewChannelError("channel is required")
	}
	if err := r.hub.Join(c.ID, msg.Channel, r.acl); err != nil {
		return err
	}
	c.SendReply(types.Reply{Type: types.TypeJoined, Channel: msg.Channel})
	return nil
}

func (r *Router) handleLeave(c *hub.Conn, msg types.Message) error {
	if msg.Channel == "" {
		return types.NewChannelError("channel is required")
	}
	if err := r.hub.Leave(c.ID, msg.Channel); err != nil {
		return err
	}
	c.SendReply(types.Reply{Type: types.TypeLeft, Channel: msg.Channel})
	return nil
}

func (r *Router) handleSend(c *hub.Conn, msg types.Message) error {
	if msg.Channel == "" || msg.Content == "" {
		return types.NewChannelError("channel and content are required")
	}
	if !r.hub.IsMember(c.ID, msg.Channel) {
		return types.NewChannelError("not a member of channel " + msg.Channel)
	}
	identity, _ := c.Identity()
	frame := hub.EncodeReply(types.Reply{
		Type:      types.TypeMessage,
		Channel:   msg.Channel,
		From:      identity.UserID,
		Content:   msg.Content,
		Timestamp: time.Now().UTC(),
	})
	r.hub.Broadcast(msg.Channel, frame, c.ID)
	return nil
}

func (r *Router) handleBroadcast(c *hub.Conn, msg types.Message) error {
	if msg.Content == "" {
		return types.NewChannelError("content is required")
	}
	identity, _ := c.Identity()
	frame := hub.EncodeReply(types.Reply{
		Type:      types.TypeMessage,
		From:      identity.UserID,
		Content:   msg.Content,
		Timestamp: time.Now().UTC(),
	})
	r.hub.BroadcastAll(frame, c.ID)
	return nil
}

func (r *Router) handlePrivate(c *hub.Conn, msg types.Message) error {
	if msg.To == "" || msg.Content == "" {
		return types.NewChannelError("to and content are required")
	}
	identity, _ := c.Identity()
	frame := hub.EncodeReply(types.Reply{
		Type:      types.TypePrivateMessage,
		From:      identity.UserID,
		Content:   msg.Content,
		Timestamp: time.Now().UTC(),
	})
	if r.hub.SendPrivate(msg.To, frame) == 0 {
		return types.NewChannelError("user not online: " + msg.To)
	}
	return nil
}

func (r *Router) handlePing(c *hub.Conn) error {
	c.SendReply(types.Reply{Type: types.TypePong})
	return nil
}

func (r *Router) handleOnlineUsers(c *hub.Conn, msg types.Message) error {
	if msg.Channel != "" && !r.hub.IsMember(c.ID, msg.Channel) {
		return types.NewChannelError("not a member of channel " + msg.Channel)
	}
	c.SendReply(types.Reply{
		Type:    types.TypeOnlineUsers,
		Channel: msg.Channel,
		Users:   r.hub.OnlineUsers(msg.Channel),
	})
	return nil
}

func (r *Router) handleTyping(c *hub.Conn, msg types.Message) error {
	if msg.Channel == "" {
		return types.NewChannelError("channel is required")
	}
	if !r.hub.IsMember(c.ID, msg.Channel) {
		return types.NewChannelError("not a member of channel " + msg.Channel)
	}
	identity, _ := c.Identity()
	frame := hub.EncodeReply(types.Reply{
		Type:    types.TypeTyping,
		Channel: msg.Channel,
		From:    identity.UserID,
	})
	r.hub.Broadcast(msg.Channel, frame, c.ID)
	return nil
}

func (r *Router) replyErr(c *hub.Conn, e *types.Error) {
	c.SendReply(types.Reply{Type: types.TypeError, Error: e.Data()})
}

// audit reports a successfully processed message to the sink.
func (r *Router) audit(c *hub.Conn, msgType string) {
	attrs := map[string]any{
		"connection_id": c.ID,
		"type":          msgType,
		"timestamp":     time.Now().UTC(),
	}
	if identity, bound := c.Identity(); bound {
		attrs["user_id"] = identity.UserID
	}
	r.sink.Record(msgType, attrs)
}
