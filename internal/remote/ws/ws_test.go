package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/kindling/internal/remote"
	"github.com/louisbranch/kindling/internal/remote/memory"
)

func TestDialRequiresEndpoint(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	srv := newTestStoreServer(t, memory.NewStore(), "server-secret")

	_, err := Dial(context.Background(), Config{
		Endpoint:    wsURL(srv),
		UserID:      "alice",
		TokenSecret: "wrong-secret",
	})
	if err == nil {
		t.Fatal("expected handshake rejection for bad token")
	}
}

func TestWriteAllocatesID(t *testing.T) {
	srv := newTestStoreServer(t, memory.NewStore(), "server-secret")
	client := dialTestClient(t, srv, "server-secret")

	chatID, err := client.Write(context.Background(), "chats", map[string]any{
		"meta": map[string]any{
			"name":    "raid",
			"created": client.ServerTimestamp(),
		},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if chatID == "" {
		t.Fatal("expected an allocated document id")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metas, err := client.Metadata(ctx, "chats/"+chatID)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	select {
	case meta := <-metas:
		if meta["name"] != "raid" {
			t.Fatalf("meta name = %v, want raid", meta["name"])
		}
		if meta["created"] == nil {
			t.Fatal("expected a resolved created timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for metadata replay")
	}
}

func TestListChangesReplayAndLive(t *testing.T) {
	srv := newTestStoreServer(t, memory.NewStore(), "")
	client := dialTestClient(t, srv, "")

	if _, err := client.Write(context.Background(), "chats/c1/members/bob", map[string]any{"role": "member"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.ListChanges(ctx, "chats/c1/members")
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}

	event := recvListEvent(t, events)
	if event.Kind != remote.ChangeAdded || event.ItemID != "bob" {
		t.Fatalf("replayed event = %+v, want bob added", event)
	}

	if _, err := client.Write(context.Background(), "chats/c1/members/carol", map[string]any{"role": "admin"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	event = recvListEvent(t, events)
	if event.ItemID != "carol" || event.Payload["role"] != "admin" {
		t.Fatalf("live event = %+v, want carol admin", event)
	}

	// Cancelling the subscription context closes the channel.
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestMessagesIncludePast(t *testing.T) {
	srv := newTestStoreServer(t, memory.NewStore(), "")
	client := dialTestClient(t, srv, "")

	if _, err := client.Write(context.Background(), "chats/c1/messages", map[string]any{
		"type": "text",
		"text": "hello",
		"from": "bob",
		"date": client.ServerTimestamp(),
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := client.Messages(ctx, "chats/c1/messages", true)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.From != "bob" {
			t.Fatalf("message from = %q, want bob", msg.From)
		}
		if msg.Date.IsZero() {
			t.Fatal("expected resolved message date")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for past message")
	}
}

func TestUpdateErrorSurfacesCode(t *testing.T) {
	srv := newTestStoreServer(t, memory.NewStore(), "")
	client := dialTestClient(t, srv, "")

	// Updating a collection path is rejected server-side.
	err := client.Update(context.Background(), "chats", map[string]any{"meta": "x"})
	if err == nil {
		t.Fatal("expected update rejection")
	}
	if !strings.Contains(err.Error(), "INVALID_ARGUMENT") {
		t.Fatalf("error = %v, want INVALID_ARGUMENT code", err)
	}
}

func TestCallsFailAfterClose(t *testing.T) {
	srv := newTestStoreServer(t, memory.NewStore(), "")
	client := dialTestClient(t, srv, "")

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := client.Write(context.Background(), "chats", map[string]any{"meta": "x"}); err == nil {
		t.Fatal("expected error writing on a closed connection")
	}
}

func recvListEvent(t *testing.T, events <-chan remote.ListEvent) remote.ListEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for list event")
		return remote.ListEvent{}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialTestClient(t *testing.T, srv *httptest.Server, secret string) *Client {
	t.Helper()
	client, err := Dial(context.Background(), Config{
		Endpoint:    wsURL(srv),
		Origin:      srv.URL,
		UserID:      "alice",
		TokenSecret: secret,
	})
	if err != nil {
		t.Fatalf("dial store client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestStoreServer serves the store frame protocol over a websocket,
// backed by the in-memory store.
func newTestStoreServer(t *testing.T, backing *memory.Store, secret string) *httptest.Server {
	t.Helper()

	handler := websocket.Handler(func(conn *websocket.Conn) {
		serveStoreConn(conn, backing)
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
		}
		handler.ServeHTTP(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func serveStoreConn(conn *websocket.Conn, backing *memory.Store) {
	defer func() { _ = conn.Close() }()

	connCtx, cancelConn := context.WithCancel(context.Background())
	defer cancelConn()

	var writeMu sync.Mutex
	encoder := json.NewEncoder(conn)
	send := func(frame wsFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = encoder.Encode(frame)
	}
	sendError := func(requestID, code, message string) {
		payload, _ := json.Marshal(wsErrorEnvelope{Error: wsError{Code: code, Message: message}})
		send(wsFrame{Type: frameError, RequestID: requestID, Payload: payload})
	}
	sendResult := func(requestID string, result resultPayload) {
		payload, _ := json.Marshal(result)
		send(wsFrame{Type: frameResult, RequestID: requestID, Payload: payload})
	}

	var subMu sync.Mutex
	subCancels := make(map[string]context.CancelFunc)
	subSeq := 0
	newSub := func() (string, context.Context) {
		subMu.Lock()
		defer subMu.Unlock()
		subSeq++
		subID := fmt.Sprintf("sub-%d", subSeq)
		ctx, cancel := context.WithCancel(connCtx)
		subCancels[subID] = cancel
		return subID, ctx
	}

	decoder := json.NewDecoder(conn)
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			return
		}
		var payload requestPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", "invalid frame payload")
				continue
			}
		}

		switch frame.Type {
		case frameWrite:
			id, err := backing.Write(connCtx, payload.Path, resolveSentinels(backing, payload.Document))
			if err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", err.Error())
				continue
			}
			sendResult(frame.RequestID, resultPayload{ID: id})
		case frameUpdate:
			if err := backing.Update(connCtx, payload.Path, resolveSentinels(backing, payload.Document)); err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", err.Error())
				continue
			}
			sendResult(frame.RequestID, resultPayload{})
		case frameRemove:
			if err := backing.Remove(connCtx, payload.Path); err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", err.Error())
				continue
			}
			sendResult(frame.RequestID, resultPayload{})
		case frameSubList:
			subID, subCtx := newSub()
			events, err := backing.ListChanges(subCtx, payload.Path)
			if err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", err.Error())
				continue
			}
			sendResult(frame.RequestID, resultPayload{Subscription: subID})
			go func() {
				for event := range events {
					body, _ := json.Marshal(pushPayload{
						Subscription: subID,
						Kind:         changeKindLabel(event.Kind),
						ItemID:       event.ItemID,
						Document:     event.Payload,
					})
					send(wsFrame{Type: frameListEvent, Payload: body})
				}
			}()
		case frameSubMeta:
			subID, subCtx := newSub()
			metas, err := backing.Metadata(subCtx, payload.Path)
			if err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", err.Error())
				continue
			}
			sendResult(frame.RequestID, resultPayload{Subscription: subID})
			go func() {
				for meta := range metas {
					body, _ := json.Marshal(pushPayload{Subscription: subID, Document: meta})
					send(wsFrame{Type: frameMetaEvent, Payload: body})
				}
			}()
		case frameSubMessages:
			subID, subCtx := newSub()
			msgs, err := backing.Messages(subCtx, payload.Path, payload.IncludePast)
			if err != nil {
				sendError(frame.RequestID, "INVALID_ARGUMENT", err.Error())
				continue
			}
			sendResult(frame.RequestID, resultPayload{Subscription: subID})
			go func() {
				for msg := range msgs {
					body, _ := json.Marshal(pushPayload{
						Subscription: subID,
						ItemID:       msg.ID,
						From:         msg.From,
						Date:         msg.Date,
						Document:     msg.Body,
					})
					send(wsFrame{Type: frameMessageEvent, Payload: body})
				}
			}()
		case frameUnsubscribe:
			subMu.Lock()
			if cancel, ok := subCancels[payload.Subscription]; ok {
				delete(subCancels, payload.Subscription)
				cancel()
			}
			subMu.Unlock()
		default:
			sendError(frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// resolveSentinels swaps client timestamp sentinels for the backing
// store's own sentinel, one nesting level deep.
func resolveSentinels(backing *memory.Store, doc map[string]any) map[string]any {
	for key, value := range doc {
		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if _, sentinel := nested[serverTimestampSentinel]; sentinel {
			doc[key] = backing.ServerTimestamp()
			continue
		}
		for nk, nv := range nested {
			if inner, ok := nv.(map[string]any); ok {
				if _, sentinel := inner[serverTimestampSentinel]; sentinel {
					nested[nk] = backing.ServerTimestamp()
				}
			}
		}
	}
	return doc
}

func changeKindLabel(kind remote.ChangeKind) string {
	switch kind {
	case remote.ChangeAdded:
		return "added"
	case remote.ChangeRemoved:
		return "removed"
	case remote.ChangeUpdated:
		return "updated"
	}
	return "unspecified"
}
