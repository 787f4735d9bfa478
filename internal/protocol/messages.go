// Package protocol defines the closed set of inbound and outbound events
// exchanged with clients, with required-field validation at the boundary so
// handlers never reach into absent payload data.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Inbound event names.
const (
	EvAuthenticate   = "authenticate"
	EvRefresh        = "refresh"
	EvJoinProject    = "join_project"
	EvLeaveProject   = "leave_project"
	EvTaskCreated    = "task_created"
	EvTaskUpdated    = "task_updated"
	EvTaskDeleted    = "task_deleted"
	EvProjectUpdated = "project_updated"
	EvUserTyping     = "user_typing"
	EvCursorPosition = "cursor_position"
)

// Outbound event names.
const (
	EvAuthenticated     = "authenticated"
	EvAuthRequired      = "authentication_required"
	EvAuthError         = "authentication_error"
	EvRateLimitExceeded = "rate_limit_exceeded"
	EvConnLimitExceeded = "connection_limit_exceeded"
	EvUnauthorized      = "unauthorized"
	EvValidationError   = "validation_error"
	EvUserJoined        = "user_joined"
	EvUserLeft          = "user_left"
	EvRoomMembers       = "room_members"
	EvTypingIndicator   = "typing_indicator"
	EvUserCursor        = "user_cursor"
	EvTaskSync          = "task_sync"
)

// Machine-readable codes on auth/rejection notices.
const (
	CodeAuthRequired   = "auth_required"
	CodeAuthTimeout    = "auth_timeout"
	CodeTokenExpired   = "token_expired"
	CodeTokenInvalid   = "token_invalid"
	CodeTokenPremature = "token_not_yet_valid"
	CodeMissingClaims  = "token_missing_claims"
	CodeRateLimited    = "rate_limit_exceeded"
	CodeConnLimit      = "connection_limit_exceeded"
	CodeUnauthorized   = "unauthorized"
)

// Client action hints.
const (
	ActionAuthenticate = "authenticate"
	ActionRefresh      = "refresh"
	ActionLogin        = "login"
	ActionRetry        = "retry"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// requiredFields maps each inbound event to the payload fields it must carry.
var requiredFields = map[string][]string{
	EvAuthenticate:   {"token"},
	EvRefresh:        {"token"},
	EvJoinProject:    {"projectId"},
	EvLeaveProject:   {"projectId"},
	EvTaskCreated:    {"taskId", "projectId", "taskData"},
	EvTaskUpdated:    {"taskId", "projectId", "taskData"},
	EvTaskDeleted:    {"taskId", "projectId"},
	EvProjectUpdated: {"projectId", "projectData"},
	EvUserTyping:     {"projectId", "isTyping"},
	EvCursorPosition: {"projectId", "position"},
}

// ValidationError names the first missing required field of an event payload.
type ValidationError struct {
	Event string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: event %q missing required field %q", e.Event, e.Field)
}

// Known reports whether event is part of the inbound protocol.
func Known(event string) bool {
	_, ok := requiredFields[event]
	return ok
}

// Validate checks the payload of an inbound event for its required fields.
func Validate(event string, payload []byte) error {
	fields, ok := requiredFields[event]
	if !ok {
		return fmt.Errorf("protocol: unknown event %q", event)
	}
	for _, field := range fields {
		if !gjson.GetBytes(payload, field).Exists() {
			return &ValidationError{Event: event, Field: field}
		}
	}
	return nil
}

// Inbound payload shapes, unmarshalled after Validate has passed.

type CredentialPayload struct {
	Token string `json:"token"`
}

type ProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type TaskPayload struct {
	TaskID    string          `json:"taskId"`
	ProjectID string          `json:"projectId"`
	TaskData  json.RawMessage `json:"taskData,omitempty"`
	Action    string          `json:"action,omitempty"`
}

type ProjectUpdatePayload struct {
	ProjectID   string          `json:"projectId"`
	ProjectData json.RawMessage `json:"projectData"`
	Action      string          `json:"action,omitempty"`
}

type TypingPayload struct {
	ProjectID string `json:"projectId"`
	IsTyping  bool   `json:"isTyping"`
	Field     string `json:"field,omitempty"`
}

type CursorPayload struct {
	ProjectID string          `json:"projectId"`
	Position  json.RawMessage `json:"position"`
}

// Outbound payload shapes.

// UserInfo is the identity summary attached to outbound notifications.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type AuthenticatedPayload struct {
	User       UserInfo `json:"user"`
	TeamScopes []string `json:"teamScopes"`
	ExpiresIn  int64    `json:"expiresIn"`
}

type AuthNoticePayload struct {
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
	Action     string `json:"action,omitempty"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

type RoomEventPayload struct {
	ProjectID string   `json:"projectId"`
	User      UserInfo `json:"user"`
}

type RoomMembersPayload struct {
	ProjectID string     `json:"projectId"`
	Members   []UserInfo `json:"members"`
}

type TypingIndicatorPayload struct {
	ProjectID string   `json:"projectId"`
	User      UserInfo `json:"user"`
	IsTyping  bool     `json:"isTyping"`
	Field     string   `json:"field,omitempty"`
}

type UserCursorPayload struct {
	ProjectID string          `json:"projectId"`
	User      UserInfo        `json:"user"`
	Position  json.RawMessage `json:"position"`
}

// Marshal wraps a payload in the wire envelope. Marshal failures are
// programmer errors (all payload types are JSON-safe), so it panics rather
// than returning an error every caller would have to ignore.
func Marshal(event string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s payload: %v", event, err))
	}
	msg, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %s envelope: %v", event, err))
	}
	return msg
}
