// Package realtime defines the path-addressed replicated store the game
// engine is written against. Implementations live under internal/infra.
package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a low-latency key-path store with push notifications.
//
// Values are stored as JSON leaves. Writes touching a subtree are delivered
// to that subtree's subscribers in write order.
type Store interface {
	// Get returns every leaf at or below path.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the subtree at path with a single leaf. A nil value deletes it.
	Set(ctx context.Context, path string, value json.RawMessage) error
	// Update applies several Sets atomically. All paths must share one root.
	Update(ctx context.Context, values map[string]json.RawMessage) error
	// Create writes leaves (relative to path) only if nothing exists under path.
	// It returns domain.ErrAlreadyExists otherwise.
	Create(ctx context.Context, path string, leaves map[string]json.RawMessage) error
	// Subscribe replays the current snapshot of path, then delivers a fresh one
	// after every write touching it. Delivery failures arrive as a non-nil error;
	// the next successful snapshot means the subscription recovered.
	Subscribe(ctx context.Context, path string, fn Listener) (Unsubscribe, error)
	// Now returns the store clock used to anchor question timers.
	Now(ctx context.Context) (time.Time, error)
}

// Listener receives snapshots for a subscribed path.
type Listener func(Snapshot, error)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()
