// Package memory provides an in-process remote.Store used by tests and by
// the demo client when no remote address is configured.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/kindling/internal/platform/id"
	"github.com/louisbranch/kindling/internal/remote"
)

const subscriberBuffer = 64

// serverTime is the opaque sentinel resolved to the store clock at write time.
type serverTime struct{}

type listSub struct {
	path string
	ch   chan remote.ListEvent
}

type metaSub struct {
	path string
	ch   chan map[string]any
}

type msgSub struct {
	path string
	ch   chan remote.Message
}

// Store keeps documents in process memory and fans notifications out to
// subscribers the way the remote contract requires: list subscriptions
// replay the current set as added changes, metadata subscriptions replay
// the latest snapshot, message subscriptions optionally replay history.
type Store struct {
	mu       sync.Mutex
	docs     map[string]map[string]any
	order    map[string][]string
	listSubs []*listSub
	metaSubs []*metaSub
	msgSubs  []*msgSub
	now      func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		docs:  make(map[string]map[string]any),
		order: make(map[string][]string),
		now:   time.Now,
	}
}

// ServerTimestamp returns the write-time clock sentinel.
func (s *Store) ServerTimestamp() any {
	return serverTime{}
}

// Write stores a document, allocating an id for collection paths.
func (s *Store) Write(ctx context.Context, path string, doc map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}

	segments := strings.Split(path, "/")
	var collection, itemID, docPath string
	if len(segments)%2 == 1 {
		allocated, err := id.NewID()
		if err != nil {
			return "", fmt.Errorf("allocate document id: %w", err)
		}
		collection, itemID = path, allocated
		docPath = path + "/" + allocated
	} else {
		collection = strings.Join(segments[:len(segments)-1], "/")
		itemID = segments[len(segments)-1]
		docPath = path
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.resolveTimestamps(copyDoc(doc))
	_, existed := s.docs[docPath]
	s.docs[docPath] = stored
	if !existed {
		s.order[collection] = append(s.order[collection], itemID)
	}

	kind := remote.ChangeAdded
	if existed {
		kind = remote.ChangeUpdated
	}
	s.notifyList(collection, remote.ListEvent{Kind: kind, ItemID: itemID, Payload: copyDoc(stored)})
	s.notifyMeta(docPath, stored)
	s.notifyMessage(collection, itemID, stored)
	return itemID, nil
}

// Update merges a partial document into an existing document.
func (s *Store) Update(ctx context.Context, path string, partial map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	segments := strings.Split(path, "/")
	if path == "" || len(segments)%2 == 1 {
		return fmt.Errorf("update requires a document path, got %q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		doc = make(map[string]any)
		s.docs[path] = doc
		collection := strings.Join(segments[:len(segments)-1], "/")
		s.order[collection] = append(s.order[collection], segments[len(segments)-1])
	}
	for key, value := range s.resolveTimestamps(copyDoc(partial)) {
		if nested, ok := value.(map[string]any); ok {
			if existing, ok := doc[key].(map[string]any); ok {
				for nk, nv := range nested {
					existing[nk] = nv
				}
				continue
			}
		}
		doc[key] = value
	}

	collection := strings.Join(segments[:len(segments)-1], "/")
	s.notifyList(collection, remote.ListEvent{
		Kind:    remote.ChangeUpdated,
		ItemID:  segments[len(segments)-1],
		Payload: copyDoc(doc),
	})
	s.notifyMeta(path, doc)
	return nil
}

// Remove deletes the document at path.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	segments := strings.Split(path, "/")
	if path == "" || len(segments)%2 == 1 {
		return fmt.Errorf("remove requires a document path, got %q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[path]
	if !ok {
		return nil
	}
	delete(s.docs, path)

	collection := strings.Join(segments[:len(segments)-1], "/")
	itemID := segments[len(segments)-1]
	items := s.order[collection]
	for i, item := range items {
		if item == itemID {
			s.order[collection] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	s.notifyList(collection, remote.ListEvent{Kind: remote.ChangeRemoved, ItemID: itemID, Payload: copyDoc(doc)})
	return nil
}

// ListChanges subscribes to membership changes of the collection at path.
func (s *Store) ListChanges(ctx context.Context, path string) (<-chan remote.ListEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = strings.Trim(strings.TrimSpace(path), "/")

	sub := &listSub{path: path, ch: make(chan remote.ListEvent, subscriberBuffer)}
	s.mu.Lock()
	for _, itemID := range s.order[path] {
		if doc, ok := s.docs[path+"/"+itemID]; ok {
			sub.ch <- remote.ListEvent{Kind: remote.ChangeAdded, ItemID: itemID, Payload: copyDoc(doc)}
		}
	}
	s.listSubs = append(s.listSubs, sub)
	s.mu.Unlock()

	go s.reapList(ctx, sub)
	return sub.ch, nil
}

// Metadata subscribes to metadata snapshots of the document at path.
func (s *Store) Metadata(ctx context.Context, path string) (<-chan map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = strings.Trim(strings.TrimSpace(path), "/")

	sub := &metaSub{path: path, ch: make(chan map[string]any, subscriberBuffer)}
	s.mu.Lock()
	if doc, ok := s.docs[path]; ok {
		sub.ch <- metaSnapshot(doc)
	}
	s.metaSubs = append(s.metaSubs, sub)
	s.mu.Unlock()

	go s.reapMeta(ctx, sub)
	return sub.ch, nil
}

// Messages subscribes to message envelopes appended to the collection at path.
func (s *Store) Messages(ctx context.Context, path string, includePast bool) (<-chan remote.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = strings.Trim(strings.TrimSpace(path), "/")

	sub := &msgSub{path: path, ch: make(chan remote.Message, subscriberBuffer)}
	s.mu.Lock()
	if includePast {
		for _, itemID := range s.order[path] {
			if doc, ok := s.docs[path+"/"+itemID]; ok {
				sub.ch <- messageFromDoc(itemID, doc)
			}
		}
	}
	s.msgSubs = append(s.msgSubs, sub)
	s.mu.Unlock()

	go s.reapMsg(ctx, sub)
	return sub.ch, nil
}

func (s *Store) reapList(ctx context.Context, sub *listSub) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.listSubs {
		if candidate == sub {
			s.listSubs = append(s.listSubs[:i:i], s.listSubs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (s *Store) reapMeta(ctx context.Context, sub *metaSub) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.metaSubs {
		if candidate == sub {
			s.metaSubs = append(s.metaSubs[:i:i], s.metaSubs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

func (s *Store) reapMsg(ctx context.Context, sub *msgSub) {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.msgSubs {
		if candidate == sub {
			s.msgSubs = append(s.msgSubs[:i:i], s.msgSubs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// notifyList delivers to list subscribers without blocking; a full
// subscriber buffer drops the event.
func (s *Store) notifyList(collection string, event remote.ListEvent) {
	for _, sub := range s.listSubs {
		if sub.path != collection {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (s *Store) notifyMeta(docPath string, doc map[string]any) {
	for _, sub := range s.metaSubs {
		if sub.path != docPath {
			continue
		}
		select {
		case sub.ch <- metaSnapshot(doc):
		default:
		}
	}
}

func (s *Store) notifyMessage(collection string, itemID string, doc map[string]any) {
	for _, sub := range s.msgSubs {
		if sub.path != collection {
			continue
		}
		select {
		case sub.ch <- messageFromDoc(itemID, doc):
		default:
		}
	}
}

// resolveTimestamps replaces server-time sentinels with the store clock,
// one nesting level deep, matching the write-time resolution contract.
func (s *Store) resolveTimestamps(doc map[string]any) map[string]any {
	now := s.now().UTC()
	for key, value := range doc {
		switch typed := value.(type) {
		case serverTime:
			doc[key] = now
		case map[string]any:
			for nk, nv := range typed {
				if _, ok := nv.(serverTime); ok {
					typed[nk] = now
				}
			}
		}
	}
	return doc
}

func metaSnapshot(doc map[string]any) map[string]any {
	if meta, ok := doc[remote.KeyMeta].(map[string]any); ok {
		return copyDoc(meta)
	}
	return copyDoc(doc)
}

func messageFromDoc(itemID string, doc map[string]any) remote.Message {
	msg := remote.Message{ID: itemID, Body: copyDoc(doc)}
	if from, ok := doc[remote.KeyFrom].(string); ok {
		msg.From = from
	}
	if date, ok := doc[remote.KeyDate].(time.Time); ok {
		msg.Date = date
	}
	return msg
}

func copyDoc(doc map[string]any) map[string]any {
	copied := make(map[string]any, len(doc))
	for key, value := range doc {
		if nested, ok := value.(map[string]any); ok {
			value = copyDoc(nested)
		}
		copied[key] = value
	}
	return copied
}
