// Package ws implements the remote store contract over a websocket
// connection using JSON frames. Requests carry a request id matched
// against a single response frame; subscriptions carry a server-assigned
// subscription id matched against push frames until cancelled.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/louisbranch/kindling/internal/platform/id"
	"github.com/louisbranch/kindling/internal/platform/timeouts"
	"github.com/louisbranch/kindling/internal/remote"
)

// Frame types spoken by the store protocol.
const (
	frameWrite       = "store.write"
	frameUpdate      = "store.update"
	frameRemove      = "store.remove"
	frameSubList     = "store.subscribe.list"
	frameSubMeta     = "store.subscribe.meta"
	frameSubMessages = "store.subscribe.messages"
	frameUnsubscribe = "store.unsubscribe"

	frameResult       = "store.result"
	frameError        = "store.error"
	frameListEvent    = "store.list.event"
	frameMetaEvent    = "store.meta.event"
	frameMessageEvent = "store.message.event"
)

// serverTimestampSentinel marks a field the server resolves to its clock
// at write time.
const serverTimestampSentinel = "__server_timestamp__"

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type requestPayload struct {
	Path         string         `json:"path"`
	Document     map[string]any `json:"document,omitempty"`
	IncludePast  bool           `json:"include_past,omitempty"`
	Subscription string         `json:"subscription_id,omitempty"`
}

type resultPayload struct {
	ID           string `json:"id,omitempty"`
	Subscription string `json:"subscription_id,omitempty"`
}

type pushPayload struct {
	Subscription string         `json:"subscription_id"`
	Kind         string         `json:"kind,omitempty"`
	ItemID       string         `json:"item_id,omitempty"`
	Document     map[string]any `json:"document,omitempty"`
	From         string         `json:"from,omitempty"`
	Date         time.Time      `json:"date,omitempty"`
}

// wsPeer serializes frame writes over one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// Config carries the connection parameters for a store client.
type Config struct {
	// Endpoint is the websocket URL of the store service.
	Endpoint string
	// Origin is the HTTP origin sent during the handshake.
	Origin string
	// UserID identifies this client; it becomes the token subject.
	UserID string
	// TokenSecret signs the handshake token. Empty disables auth.
	TokenSecret string
}

// Client is a websocket-backed remote store.
type Client struct {
	conn *websocket.Conn
	peer *wsPeer

	mu       sync.Mutex
	pending  map[string]chan wsFrame
	listSubs map[string]chan remote.ListEvent
	metaSubs map[string]chan map[string]any
	msgSubs  map[string]chan remote.Message
	closed   bool

	done chan struct{}
}

// Dial connects to the store service and starts the frame reader.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	origin := strings.TrimSpace(cfg.Origin)
	if origin == "" {
		origin = "http://localhost"
	}

	wsConfig, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if cfg.TokenSecret != "" {
		token, err := handshakeToken(cfg.UserID, cfg.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("sign handshake token: %w", err)
		}
		wsConfig.Header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	wsConfig.Dialer = &net.Dialer{Timeout: timeouts.RemoteDial}

	conn, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	client := &Client{
		conn:     conn,
		peer:     &wsPeer{encoder: json.NewEncoder(conn)},
		pending:  make(map[string]chan wsFrame),
		listSubs: make(map[string]chan remote.ListEvent),
		metaSubs: make(map[string]chan map[string]any),
		msgSubs:  make(map[string]chan remote.Message),
		done:     make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Close terminates the connection and fails all pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// ServerTimestamp returns the sentinel the server resolves at write time.
func (c *Client) ServerTimestamp() any {
	return map[string]any{serverTimestampSentinel: true}
}

// Write stores a document, allocating an id for collection paths.
func (c *Client) Write(ctx context.Context, path string, doc map[string]any) (string, error) {
	result, err := c.call(ctx, frameWrite, requestPayload{Path: path, Document: doc})
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

// Update merges a partial document into an existing document.
func (c *Client) Update(ctx context.Context, path string, partial map[string]any) error {
	_, err := c.call(ctx, frameUpdate, requestPayload{Path: path, Document: partial})
	return err
}

// Remove deletes the document at path.
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.call(ctx, frameRemove, requestPayload{Path: path})
	return err
}

// ListChanges subscribes to list mutations under path. The current set
// replays as added events before live changes.
func (c *Client) ListChanges(ctx context.Context, path string) (<-chan remote.ListEvent, error) {
	result, err := c.call(ctx, frameSubList, requestPayload{Path: path})
	if err != nil {
		return nil, err
	}
	ch := make(chan remote.ListEvent, 64)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, nil
	}
	c.listSubs[result.Subscription] = ch
	c.mu.Unlock()

	go c.reap(ctx, result.Subscription)
	return ch, nil
}

// Metadata subscribes to document snapshots at path, replaying the
// latest value on subscribe.
func (c *Client) Metadata(ctx context.Context, path string) (<-chan map[string]any, error) {
	result, err := c.call(ctx, frameSubMeta, requestPayload{Path: path})
	if err != nil {
		return nil, err
	}
	ch := make(chan map[string]any, 64)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, nil
	}
	c.metaSubs[result.Subscription] = ch
	c.mu.Unlock()

	go c.reap(ctx, result.Subscription)
	return ch, nil
}

// Messages subscribes to message envelopes under path.
func (c *Client) Messages(ctx context.Context, path string, includePast bool) (<-chan remote.Message, error) {
	result, err := c.call(ctx, frameSubMessages, requestPayload{Path: path, IncludePast: includePast})
	if err != nil {
		return nil, err
	}
	ch := make(chan remote.Message, 64)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, nil
	}
	c.msgSubs[result.Subscription] = ch
	c.mu.Unlock()

	go c.reap(ctx, result.Subscription)
	return ch, nil
}

// call sends one request frame and waits for its matching response.
func (c *Client) call(ctx context.Context, frameType string, payload requestPayload) (resultPayload, error) {
	requestID, err := id.NewID()
	if err != nil {
		return resultPayload{}, fmt.Errorf("allocate request id: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return resultPayload{}, fmt.Errorf("encode payload: %w", err)
	}

	reply := make(chan wsFrame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return resultPayload{}, errors.New("store connection is closed")
	}
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.peer.writeFrame(wsFrame{Type: frameType, RequestID: requestID, Payload: encoded}); err != nil {
		return resultPayload{}, fmt.Errorf("write %s frame: %w", frameType, err)
	}

	timer := time.NewTimer(timeouts.RemoteCall)
	defer timer.Stop()

	select {
	case frame := <-reply:
		if frame.Type == frameError {
			var envelope wsErrorEnvelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				return resultPayload{}, fmt.Errorf("%s rejected", frameType)
			}
			return resultPayload{}, fmt.Errorf("%s rejected: %s: %s", frameType, envelope.Error.Code, envelope.Error.Message)
		}
		var result resultPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &result); err != nil {
				return resultPayload{}, fmt.Errorf("decode %s result: %w", frameType, err)
			}
		}
		return result, nil
	case <-ctx.Done():
		return resultPayload{}, ctx.Err()
	case <-timer.C:
		return resultPayload{}, fmt.Errorf("%s timed out after %s", frameType, timeouts.RemoteCall)
	case <-c.done:
		return resultPayload{}, errors.New("store connection is closed")
	}
}

// reap cancels a subscription when its context ends, closing the local
// channel.
func (c *Client) reap(ctx context.Context, subscription string) {
	select {
	case <-ctx.Done():
	case <-c.done:
		return
	}

	payload, err := json.Marshal(requestPayload{Subscription: subscription})
	if err == nil {
		_ = c.peer.writeFrame(wsFrame{Type: frameUnsubscribe, Payload: payload})
	}
	c.dropSubscription(subscription)
}

func (c *Client) dropSubscription(subscription string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.listSubs[subscription]; ok {
		delete(c.listSubs, subscription)
		close(ch)
	}
	if ch, ok := c.metaSubs[subscription]; ok {
		delete(c.metaSubs, subscription)
		close(ch)
	}
	if ch, ok := c.msgSubs[subscription]; ok {
		delete(c.msgSubs, subscription)
		close(ch)
	}
}

// readLoop demultiplexes response and push frames until the connection
// drops, then fails every pending call and closes every subscription.
func (c *Client) readLoop() {
	decoder := json.NewDecoder(c.conn)
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				log.Printf("store: read frame: %v", err)
			}
			c.teardown()
			return
		}

		switch frame.Type {
		case frameResult, frameError:
			c.mu.Lock()
			reply, ok := c.pending[frame.RequestID]
			c.mu.Unlock()
			if ok {
				reply <- frame
			}
		case frameListEvent:
			var push pushPayload
			if err := json.Unmarshal(frame.Payload, &push); err != nil {
				log.Printf("store: decode list event: %v", err)
				continue
			}
			c.mu.Lock()
			ch := c.listSubs[push.Subscription]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- remote.ListEvent{Kind: parseChangeKind(push.Kind), ItemID: push.ItemID, Payload: push.Document}:
				default:
				}
			}
		case frameMetaEvent:
			var push pushPayload
			if err := json.Unmarshal(frame.Payload, &push); err != nil {
				log.Printf("store: decode metadata event: %v", err)
				continue
			}
			c.mu.Lock()
			ch := c.metaSubs[push.Subscription]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- push.Document:
				default:
				}
			}
		case frameMessageEvent:
			var push pushPayload
			if err := json.Unmarshal(frame.Payload, &push); err != nil {
				log.Printf("store: decode message event: %v", err)
				continue
			}
			c.mu.Lock()
			ch := c.msgSubs[push.Subscription]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- remote.Message{ID: push.ItemID, From: push.From, Date: push.Date, Body: push.Document}:
				default:
				}
			}
		default:
			log.Printf("store: unsupported frame type %q", frame.Type)
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	for subscription, ch := range c.listSubs {
		delete(c.listSubs, subscription)
		close(ch)
	}
	for subscription, ch := range c.metaSubs {
		delete(c.metaSubs, subscription)
		close(ch)
	}
	for subscription, ch := range c.msgSubs {
		delete(c.msgSubs, subscription)
		close(ch)
	}
	c.mu.Unlock()
	close(c.done)
	_ = c.conn.Close()
}

func parseChangeKind(label string) remote.ChangeKind {
	switch label {
	case "added":
		return remote.ChangeAdded
	case "removed":
		return remote.ChangeRemoved
	case "updated":
		return remote.ChangeUpdated
	}
	return remote.ChangeUnspecified
}

// handshakeToken signs a short-lived HS256 token identifying the client.
func handshakeToken(userID, secret string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(timeouts.RemoteCall + timeouts.RemoteDial)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
