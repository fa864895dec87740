// Package remote defines the contract between the chat SDK and the
// path-addressed real-time document store it synchronizes against.
//
// The SDK never talks to a vendor backend directly; every adapter (in-memory,
// websocket) implements Store. Paths address either collections
// ("chats/<id>/messages") or individual documents
// ("chats/<id>/members/<user>"); writing to a collection allocates a new
// document id, writing to a document path confirms it.
package remote

import (
	"context"
	"time"
)

// ChangeKind classifies a raw list-change notification.
type ChangeKind int

const (
	// ChangeUnspecified represents an invalid change kind.
	ChangeUnspecified ChangeKind = iota
	// ChangeAdded indicates an item joined the list. Re-subscribing replays
	// the current set as a sequence of added changes.
	ChangeAdded
	// ChangeRemoved indicates an item left the list.
	ChangeRemoved
	// ChangeUpdated indicates an existing item's payload changed.
	ChangeUpdated
)

// ListEvent is one raw change notification from a list subscription.
type ListEvent struct {
	Kind    ChangeKind
	ItemID  string
	Payload map[string]any
}

// Message is one envelope from a message subscription.
type Message struct {
	ID   string
	From string
	Date time.Time
	Body map[string]any
}

// Store is the path-addressed document/list store the SDK runs against.
//
// Subscription channels are closed when ctx is cancelled or the underlying
// stream ends; cancellation is the only way to release a subscription.
type Store interface {
	// Write stores a document. A collection path allocates and returns a new
	// document id; a document path sets the document and confirms its id.
	Write(ctx context.Context, path string, doc map[string]any) (string, error)

	// Update merges a partial document into an existing document.
	Update(ctx context.Context, path string, partial map[string]any) error

	// Remove deletes the document at path.
	Remove(ctx context.Context, path string) error

	// ListChanges subscribes to membership changes of the collection at path.
	// The current set replays as added changes, then live changes follow.
	ListChanges(ctx context.Context, path string) (<-chan ListEvent, error)

	// Metadata subscribes to metadata snapshots of the document at path,
	// replaying the latest snapshot on subscribe.
	Metadata(ctx context.Context, path string) (<-chan map[string]any, error)

	// Messages subscribes to message envelopes appended to the collection at
	// path. When includePast is true, already-stored messages replay first.
	Messages(ctx context.Context, path string, includePast bool) (<-chan Message, error)

	// ServerTimestamp returns an opaque sentinel resolved to the store's
	// clock at write time.
	ServerTimestamp() any
}
