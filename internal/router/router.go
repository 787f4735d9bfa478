// Package router receives domain events from authenticated connections,
// resolves their delivery scope, and fans them out through the presence
// registry.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/haroon-sajid/teamapp-gateway/internal/auth"
	"github.com/haroon-sajid/teamapp-gateway/internal/directory"
	"github.com/haroon-sajid/teamapp-gateway/internal/metrics"
	"github.com/haroon-sajid/teamapp-gateway/internal/presence"
	"github.com/haroon-sajid/teamapp-gateway/internal/protocol"
	"github.com/haroon-sajid/teamapp-gateway/internal/session"
	"github.com/haroon-sajid/teamapp-gateway/pkg/transport"
)

// EventRouter dispatches the closed inbound event set for every connection.
type EventRouter struct {
	logger   *slog.Logger
	registry *presence.Registry
	dir      directory.Resolver
	now      func() time.Time
}

func NewEventRouter(logger *slog.Logger, registry *presence.Registry, dir directory.Resolver) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: registry,
		dir:      dir,
		now:      time.Now,
	}
}

// HandleMessage is the transport message callback for one connection.
func (r *EventRouter) HandleMessage(ctx context.Context, sess *session.Session, msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", sess.ConnID().String()), slog.Any("error", err))
		sess.Send(protocol.Marshal(protocol.EvValidationError, protocol.AuthNoticePayload{
			Code:    "malformed_envelope",
			Message: "messages must be {event, payload} JSON",
		}))
		return
	}

	if !protocol.Known(env.Event) {
		r.logger.Warn("Received unknown event", slog.String("event", env.Event), slog.String("connID", sess.ConnID().String()))
		sess.Send(protocol.Marshal(protocol.EvValidationError, protocol.AuthNoticePayload{
			Code:    "unknown_event",
			Message: "unrecognized event name: " + env.Event,
		}))
		return
	}

	if err := protocol.Validate(env.Event, env.Payload); err != nil {
		// Surfaced to the sender only; the connection is unaffected.
		r.logger.Debug("Event payload failed validation", slog.String("event", env.Event), slog.Any("error", err))
		sess.Send(protocol.Marshal(protocol.EvValidationError, protocol.AuthNoticePayload{
			Code:    "missing_field",
			Message: err.Error(),
		}))
		return
	}

	metrics.EventsRouted.WithLabelValues(env.Event).Inc()

	// Credential events run in any non-terminal state.
	switch env.Event {
	case protocol.EvAuthenticate, protocol.EvRefresh:
		var p protocol.CredentialPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		sess.HandleCredential(ctx, p.Token)
		return
	}

	// Everything else requires an authenticated connection. The operation is
	// dropped but the connection stays open.
	identity, ok := sess.Identity()
	if !ok {
		sess.Send(protocol.Marshal(protocol.EvUnauthorized, protocol.AuthNoticePayload{
			Code:    protocol.CodeUnauthorized,
			Message: "authenticate before sending events",
			Action:  protocol.ActionAuthenticate,
		}))
		return
	}

	switch env.Event {
	case protocol.EvJoinProject:
		r.joinProject(sess, identity, env.Payload)
	case protocol.EvLeaveProject:
		r.leaveProject(sess, identity, env.Payload)
	case protocol.EvTaskCreated, protocol.EvTaskUpdated, protocol.EvTaskDeleted:
		r.broadcastTask(ctx, sess, identity, env.Event, env.Payload)
	case protocol.EvProjectUpdated:
		r.broadcastProject(ctx, sess, identity, env.Payload)
	case protocol.EvUserTyping, protocol.EvCursorPosition:
		r.ephemeral(sess, identity, env.Event, env.Payload)
	}
}

func roomID(projectID string) string {
	return "project:" + projectID
}

func userInfo(identity auth.Identity) protocol.UserInfo {
	return protocol.UserInfo{
		ID:    identity.SubjectID,
		Email: identity.Email,
		Role:  string(identity.Role),
	}
}

func (r *EventRouter) joinProject(sess *session.Session, identity auth.Identity, payload []byte) {
	var p protocol.ProjectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	room := roomID(p.ProjectID)

	previous, members, err := r.registry.JoinRoom(sess.ConnID(), room)
	if err != nil {
		r.logger.Warn("Join on unregistered connection", slog.String("connID", sess.ConnID().String()))
		return
	}

	// A connection holds one project room at a time.
	if previous != "" {
		r.notifyRoomExcept(previous, sess.ConnID(), protocol.Marshal(protocol.EvUserLeft, protocol.RoomEventPayload{
			ProjectID: projectOf(previous),
			User:      userInfo(identity),
		}))
	}

	r.notifyRoomExcept(room, sess.ConnID(), protocol.Marshal(protocol.EvUserJoined, protocol.RoomEventPayload{
		ProjectID: p.ProjectID,
		User:      userInfo(identity),
	}))

	memberInfos := make([]protocol.UserInfo, 0, len(members))
	for _, m := range members {
		memberInfos = append(memberInfos, userInfo(m))
	}
	sess.Send(protocol.Marshal(protocol.EvRoomMembers, protocol.RoomMembersPayload{
		ProjectID: p.ProjectID,
		Members:   memberInfos,
	}))
}

func (r *EventRouter) leaveProject(sess *session.Session, identity auth.Identity, payload []byte) {
	var p protocol.ProjectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	room := roomID(p.ProjectID)

	if err := r.registry.LeaveRoom(sess.ConnID(), room); err != nil {
		return
	}
	r.notifyRoomExcept(room, sess.ConnID(), protocol.Marshal(protocol.EvUserLeft, protocol.RoomEventPayload{
		ProjectID: p.ProjectID,
		User:      userInfo(identity),
	}))
}

// broadcastTask mirrors a task mutation to its delivery scope. Non-privileged
// senders whose payload designates an assignee reach only the assignee and
// themselves; everything else goes to the whole team scope.
func (r *EventRouter) broadcastTask(ctx context.Context, sess *session.Session, identity auth.Identity, event string, payload []byte) {
	var p protocol.TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	teamID, err := r.dir.ResolveProjectTeam(ctx, p.ProjectID)
	if err != nil {
		// Silent, logged suppression: the sender observes no side effect.
		metrics.BroadcastsSuppressed.Inc()
		r.logger.Warn("Team resolution failed, suppressing broadcast",
			slog.String("event", event),
			slog.String("projectID", p.ProjectID),
			slog.Any("error", err),
		)
		return
	}

	// The connection may have died while resolution was outstanding.
	if _, ok := sess.Identity(); !ok {
		return
	}

	stamp := r.stampFor(event)
	out := map[string]any{
		"eventId":   protocol.NewEventID(),
		"taskId":    p.TaskID,
		"projectId": p.ProjectID,
		"timestamp": r.now().UTC().Format(time.RFC3339),
		stamp:       userInfo(identity),
	}
	if len(p.TaskData) > 0 {
		out["taskData"] = json.RawMessage(p.TaskData)
	}
	if p.Action != "" {
		out["action"] = p.Action
	}
	msg := protocol.Marshal(event, out)

	assignee := gjson.GetBytes(p.TaskData, "assignedTo").String()
	if !identity.Role.Privileged() && assignee != "" {
		// Narrowed delivery: the assignee's connections plus the sender's
		// own, never the full team.
		r.sendAll(r.registry.SubjectSenders(assignee), msg)
		if assignee != identity.SubjectID {
			r.sendAll(r.registry.SubjectSenders(identity.SubjectID), msg)
		}
		return
	}

	r.sendAll(r.registry.ScopeSenders("team:"+teamID), msg)
}

func (r *EventRouter) broadcastProject(ctx context.Context, sess *session.Session, identity auth.Identity, payload []byte) {
	var p protocol.ProjectUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	teamID, err := r.dir.ResolveProjectTeam(ctx, p.ProjectID)
	if err != nil {
		metrics.BroadcastsSuppressed.Inc()
		r.logger.Warn("Team resolution failed, suppressing broadcast",
			slog.String("event", protocol.EvProjectUpdated),
			slog.String("projectID", p.ProjectID),
			slog.Any("error", err),
		)
		return
	}
	if _, ok := sess.Identity(); !ok {
		return
	}

	out := map[string]any{
		"eventId":     protocol.NewEventID(),
		"projectId":   p.ProjectID,
		"projectData": json.RawMessage(p.ProjectData),
		"timestamp":   r.now().UTC().Format(time.RFC3339),
		"updatedBy":   userInfo(identity),
	}
	if p.Action != "" {
		out["action"] = p.Action
	}
	r.sendAll(r.registry.ScopeSenders("team:"+teamID), protocol.Marshal(protocol.EvProjectUpdated, out))
}

// ephemeral fans typing/cursor events out to the other members of the
// sender's current project room. Best-effort: throttled per connection and
// silently dropped when the sender has no matching room.
func (r *EventRouter) ephemeral(sess *session.Session, identity auth.Identity, event string, payload []byte) {
	if !sess.EphemeralAllow() {
		return
	}

	entry, ok := r.registry.Get(sess.ConnID())
	if !ok {
		return
	}

	switch event {
	case protocol.EvUserTyping:
		var p protocol.TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		if entry.Room != roomID(p.ProjectID) {
			return
		}
		r.notifyRoomExcept(entry.Room, sess.ConnID(), protocol.Marshal(protocol.EvTypingIndicator, protocol.TypingIndicatorPayload{
			ProjectID: p.ProjectID,
			User:      userInfo(identity),
			IsTyping:  p.IsTyping,
			Field:     p.Field,
		}))
	case protocol.EvCursorPosition:
		var p protocol.CursorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		if entry.Room != roomID(p.ProjectID) {
			return
		}
		r.notifyRoomExcept(entry.Room, sess.ConnID(), protocol.Marshal(protocol.EvUserCursor, protocol.UserCursorPayload{
			ProjectID: p.ProjectID,
			User:      userInfo(identity),
			Position:  p.Position,
		}))
	}
}

func (r *EventRouter) notifyRoomExcept(room string, except uuid.UUID, msg []byte) {
	for _, sender := range r.registry.RoomSenders(room) {
		if sender.ID() == except {
			continue
		}
		sender.Send(msg)
	}
}

func (r *EventRouter) sendAll(senders []transport.Sender, msg []byte) {
	seen := make(map[uuid.UUID]struct{}, len(senders))
	for _, sender := range senders {
		if _, dup := seen[sender.ID()]; dup {
			continue
		}
		seen[sender.ID()] = struct{}{}
		sender.Send(msg)
	}
}

func (r *EventRouter) stampFor(event string) string {
	switch event {
	case protocol.EvTaskCreated:
		return "createdBy"
	case protocol.EvTaskDeleted:
		return "deletedBy"
	default:
		return "updatedBy"
	}
}

func projectOf(room string) string {
	const prefix = "project:"
	if len(room) > len(prefix) && room[:len(prefix)] == prefix {
		return room[len(prefix):]
	}
	return room
}
