package notify

import "context"

// Result classifies a delivery attempt. Dispatch only ever branches on these
// tags, never on provider-specific error text.
type Result int

const (
	Delivered Result = iota
	InvalidTarget
	TransientFailure
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case InvalidTarget:
		return "invalid_target"
	case TransientFailure:
		return "transient_failure"
	}
	return "unknown"
}

// Event names on the live channel.
const (
	EventTripOffer     = "trip_offer"
	EventTripTaken     = "trip_taken"
	EventTripAssigned  = "trip_assigned"
	EventTripCancelled = "trip_cancelled"
	EventTripCompleted = "trip_completed"
	EventTripExpired   = "trip_expired"
	EventTripReverted  = "trip_reverted"
)

// LiveChannel delivers an event to a connected user. Implemented by the
// websocket registry.
type LiveChannel interface {
	Send(userID, event string, payload any) error
	Connected(userID string) bool
}

// PushChannel delivers a push notification to a registered device token.
type PushChannel interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) Result
}
