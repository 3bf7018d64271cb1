package bus

import "time"

// Event kinds published by the networking core. Subscribers filter by prefix,
// so "net." receives every connectivity event and "queue." every queue event.
const (
	KindStatusChanged = "net.status_changed"

	KindEnqueued = "queue.enqueued"
	KindDrained  = "queue.drained"

	KindRequestSucceeded   = "request.succeeded"
	KindRequestFailed      = "request.failed"
	KindRequestRateLimited = "request.rate_limited"
)

// Event is a single notification carried on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
