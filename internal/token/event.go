package token

import (
	"context"
)

// EventType names a credential change.
type EventType string

const (
	EventUpdated EventType = "token_updated"
	EventExpired EventType = "token_expired"
	EventCleared EventType = "token_cleared"
)

// Event is the broadcast message shared between processes.
type Event struct {
	Type EventType   `json:"type"`
	Data *Credential `json:"data,omitempty"`
	// Origin identifies the sending transport endpoint.
	Origin string `json:"origin,omitempty"`
}

// Transport carries events between processes. Implementations never deliver
// an event back to the endpoint that published it.
type Transport interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(fn func(Event)) (unsubscribe func())
	Close() error
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
}
