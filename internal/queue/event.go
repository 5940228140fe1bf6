// Package queue defines the auth audit events exchanged over the message
// broker and the background consumer that records them.
package queue

import (
    "time"

    "github.com/google/uuid"
)

// EventType names what happened during a login or refresh.
type EventType string

const (
    EventLoginVerified  EventType = "login.verified"
    EventLoginFailed    EventType = "login.failed"
    EventLoginCompleted EventType = "login.completed"
    EventTokenRefreshed EventType = "token.refreshed"
)

// AuthEvent is published by the auth service. It carries enough context for
// an audit trail without querying the user directory. Passwords and tokens
// never appear in an event.
type AuthEvent struct {
    ID         string    `json:"id"`
    Type       EventType `json:"type"`
    UserID     uint64    `json:"user_id,omitempty"`
    Email      string    `json:"email,omitempty"`
    IP         string    `json:"ip,omitempty"`
    Reason     string    `json:"reason,omitempty"`
    OccurredAt time.Time `json:"occurred_at"`
}

// NewAuthEvent stamps a fresh id and the occurrence time.
func NewAuthEvent(typ EventType, at time.Time) AuthEvent {
    return AuthEvent{ID: uuid.NewString(), Type: typ, OccurredAt: at.UTC()}
}
