package thread

import "context"

// Store persists local thread records. Implementations report a missing
// thread with a CodeNotFound domain error so resolution can distinguish
// "create one" from a storage failure.
type Store interface {
	// FindThreadByMembers returns the thread whose member set equals
	// members exactly, ignoring order.
	FindThreadByMembers(ctx context.Context, members []string) (Thread, error)
	// FindThread returns the thread bound to the given conversation id.
	FindThread(ctx context.Context, id string) (Thread, error)
	// FindThreadByLocalID returns the thread stored under the given
	// local record key. Unlike conversation ids, local ids never
	// collide: every direct thread binds to the current user's
	// identity, so message routing must key on the local record.
	FindThreadByLocalID(ctx context.Context, localID string) (Thread, error)
	// CreateThread inserts a new thread record keyed by its LocalID.
	CreateThread(ctx context.Context, t Thread) error
	// PersistThread updates the mutable fields of an existing record:
	// bound id, name, and image URL.
	PersistThread(ctx context.Context, t Thread) error
}
