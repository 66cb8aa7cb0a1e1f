package notify

import (
	"context"

	"github.com/weftlabs/weft/pkg/schema"
)

// Bus carries notify_start nudges from the dispatcher to the executor fleet.
// Delivery is at-least-once at best and never load-bearing: consumers
// re-verify readiness against the control plane before acting, and the
// sweeper re-nudges work that fell through.
type Bus interface {
	// Publish sends one nudge. Implementations must not block on slow
	// consumers.
	Publish(ctx context.Context, n schema.Notification) error

	// Subscribe registers a consumer and returns its receive channel plus a
	// cancel function that ends the subscription. The consumer name
	// distinguishes members of a shared delivery group on transports that
	// support one; broadcast transports ignore it.
	Subscribe(ctx context.Context, consumer string) (<-chan schema.Notification, func(), error)
}
