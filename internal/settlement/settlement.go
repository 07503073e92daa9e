package settlement

import "context"

// Settlement is the boundary to the wallet/payment collaborator. Dispatch
// emits completion and cancellation events; money movement is owned entirely
// by the other side.
type Settlement interface {
	// TripRequested places a hold for the estimated fare.
	TripRequested(ctx context.Context, tripID string, fare float64) error
	// TripCompleted reports a finished trip with its final fare.
	TripCompleted(ctx context.Context, tripID, driverID string, fare float64) error
	// TripCancelled releases any hold taken for the trip.
	TripCancelled(ctx context.Context, tripID string) error
}

// Nop is used when no payment provider is configured.
type Nop struct{}

func (Nop) TripRequested(ctx context.Context, tripID string, fare float64) error { return nil }

func (Nop) TripCompleted(ctx context.Context, tripID, driverID string, fare float64) error {
	return nil
}

func (Nop) TripCancelled(ctx context.Context, tripID string) error { return nil }
