package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/kindling/internal/chat/stream"
	apperrors "github.com/louisbranch/kindling/internal/errors"
	"github.com/louisbranch/kindling/internal/invite"
	"github.com/louisbranch/kindling/internal/remote"
)

// Options configures a session's identity and listener behavior.
type Options struct {
	// UserID is the current user's identity; every send is attributed to it.
	UserID string
	// DeliveryReceipts enables automatic "received" receipts for incoming
	// messages while connected.
	DeliveryReceipts bool
	// Invites dispatches invitations during Create and InviteMembers.
	Invites invite.Dispatcher
	// OnError receives background listener failures. Listener failures never
	// tear down the subscription that produced them. Defaults to log output.
	OnError func(error)
}

// Session is a remote-backed group or direct conversation. It owns its
// member roster and metadata cache exclusively: once connected, only fold
// results from its own subscriptions and the explicit operations below
// mutate them.
//
// A session is never partially connected. Connect first disconnects
// unconditionally, then attaches the roster, metadata, and (when
// configured) delivery-receipt listeners.
type Session struct {
	id       string
	store    remote.Store
	invites  invite.Dispatcher
	me       string
	receipts bool
	onError  func(error)

	mu        sync.Mutex
	cancel    context.CancelFunc
	gen       int
	roster    []Member
	name      string
	avatarURL string
	createdAt time.Time

	membership   *stream.Stream[MembershipEvent]
	nameStream   *stream.Latest[string]
	avatarStream *stream.Latest[string]
}

// NewSession builds a disconnected session bound to an existing chat id.
func NewSession(store remote.Store, opts Options, chatID string) (*Session, error) {
	if store == nil {
		return nil, errors.New("remote store is required")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("chat id is required")
	}
	me := strings.TrimSpace(opts.UserID)
	if me == "" {
		return nil, errors.New("current user id is required")
	}

	return &Session{
		id:           chatID,
		store:        store,
		invites:      opts.Invites,
		me:           me,
		receipts:     opts.DeliveryReceipts,
		onError:      opts.OnError,
		membership:   stream.New[MembershipEvent](),
		nameStream:   stream.NewLatest[string](),
		avatarStream: stream.NewLatest[string](),
	}, nil
}

// Create allocates a new remote session and returns it fully populated.
//
// The pipeline is ordered and short-circuits on failure: metadata write,
// roster population (every non-self member plus the current user as owner),
// then invitations to every non-self member. Creation only succeeds after
// all three steps, so no observer can see a session with metadata but no
// roster, and a failed invitation dispatch fails the whole creation.
func Create(ctx context.Context, store remote.Store, opts Options, name, avatarURL string, members []Member) (*Session, error) {
	if store == nil {
		return nil, errors.New("remote store is required")
	}

	meta := map[string]any{remote.KeyCreated: store.ServerTimestamp()}
	if strings.TrimSpace(name) != "" {
		meta[remote.KeyName] = name
	}
	if strings.TrimSpace(avatarURL) != "" {
		meta[remote.KeyAvatar] = avatarURL
	}

	chatID, err := store.Write(ctx, remote.ChatsPath(), map[string]any{remote.KeyMeta: meta})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRemoteWriteFailed, "write chat document", err)
	}

	session, err := NewSession(store, opts, chatID)
	if err != nil {
		return nil, err
	}
	session.name = strings.TrimSpace(name)
	session.avatarURL = strings.TrimSpace(avatarURL)
	session.createdAt = time.Now().UTC()

	toAdd := make([]Member, 0, len(members)+1)
	for _, member := range members {
		if member.ID != session.me {
			toAdd = append(toAdd, member)
		}
	}
	toAdd = append(toAdd, Member{ID: session.me, Role: RoleOwner})

	if err := session.AddMembers(ctx, toAdd...); err != nil {
		return nil, err
	}
	if err := session.InviteMembers(ctx, members...); err != nil {
		return nil, err
	}
	return session, nil
}

// ID returns the immutable remote session id.
func (s *Session) ID() string {
	return s.id
}

// Equal reports whether both sessions refer to the same remote id,
// regardless of roster or metadata state.
func (s *Session) Equal(other *Session) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.id == other.id
}

// CreatedAt returns the local creation time for sessions built by
// Create, and the zero time for sessions bound to an existing id.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// Name returns the last known session name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// AvatarURL returns the last known session avatar URL.
func (s *Session) AvatarURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avatarURL
}

// Members returns a snapshot of the in-memory roster.
func (s *Session) Members() []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Member(nil), s.roster...)
}

// RoleOf returns the role of userID in the roster snapshot.
func (s *Session) RoleOf(userID string) (RoleType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, member := range s.roster {
		if member.ID == userID {
			return member.Role, true
		}
	}
	return RoleUnspecified, false
}

// MembersWithRole returns every roster member holding exactly role.
func (s *Session) MembersWithRole(role RoleType) []Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []Member
	for _, member := range s.roster {
		if member.Role == role {
			matches = append(matches, member)
		}
	}
	return matches
}

// SubscribeMembership subscribes to folded roster changes. Delivery is
// at-least-once: subscribers must tolerate duplicate events.
func (s *Session) SubscribeMembership() (<-chan MembershipEvent, func()) {
	return s.membership.Subscribe()
}

// SubscribeName subscribes to session name changes, replaying the latest
// known value.
func (s *Session) SubscribeName() (<-chan string, func()) {
	return s.nameStream.Subscribe()
}

// SubscribeAvatarURL subscribes to avatar URL changes, replaying the
// latest known value.
func (s *Session) SubscribeAvatarURL() (<-chan string, func()) {
	return s.avatarStream.Subscribe()
}

// Connect attaches the session's remote listeners. Safe to call from a
// connected or disconnected state: it disconnects first, so at most one
// set of listeners is ever active.
func (s *Session) Connect(ctx context.Context) error {
	s.Disconnect()

	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	fail := func(step string, err error) error {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
		return apperrors.Wrap(apperrors.CodeConnectFailed, step, err)
	}

	events, err := s.store.ListChanges(ctx, remote.ChatMembersPath(s.id))
	if err != nil {
		return fail("subscribe roster changes", err)
	}
	metas, err := s.store.Metadata(ctx, remote.ChatPath(s.id))
	if err != nil {
		return fail("subscribe metadata", err)
	}
	var msgs <-chan remote.Message
	if s.receipts {
		msgs, err = s.store.Messages(ctx, remote.ChatMessagesPath(s.id), true)
		if err != nil {
			return fail("subscribe messages", err)
		}
	}

	go s.runRosterListener(gen, events)
	go s.runMetadataListener(gen, metas)
	if msgs != nil {
		go s.runReceiptListener(ctx, msgs)
	}
	return nil
}

// Disconnect releases all listeners. Idempotent. The roster and metadata
// caches keep their last known values. After Disconnect returns, no
// pending notification mutates session state: in-flight callbacks observe
// the bumped attachment generation and stop.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.mu.Unlock()
}

// Connected reports whether listeners are currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Leave removes the current user from the remote roster, then disconnects.
// A failed remote removal leaves the session connected.
func (s *Session) Leave(ctx context.Context) error {
	if err := s.RemoveMember(ctx, s.me); err != nil {
		return err
	}
	s.Disconnect()
	return nil
}

// Send writes payload to the session's message path, attributed to the
// current user with a write-time server timestamp, and returns the
// assigned message id.
func (s *Session) Send(ctx context.Context, payload Sendable) (string, error) {
	if payload == nil {
		return "", apperrors.New(apperrors.CodeInvalidPayload, "payload is required")
	}
	body := payload.Body()
	body[remote.KeyFrom] = s.me
	body[remote.KeyDate] = s.store.ServerTimestamp()

	messageID, err := s.store.Write(ctx, remote.ChatMessagesPath(s.id), body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRemoteWriteFailed, "write message", err)
	}
	return messageID, nil
}

// SendText sends a text message.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	payload, err := NewTextMessage(text)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, payload)
}

// SendDeliveryReceipt sends a delivery receipt for messageID.
func (s *Session) SendDeliveryReceipt(ctx context.Context, receipt ReceiptType, messageID string) (string, error) {
	payload, err := NewDeliveryReceipt(receipt, messageID)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, payload)
}

// SendTypingIndicator sends a typing state update.
func (s *Session) SendTypingIndicator(ctx context.Context, state TypingStateType) (string, error) {
	payload, err := NewTypingState(state)
	if err != nil {
		return "", err
	}
	return s.Send(ctx, payload)
}

// AddMembers writes member documents to the remote roster and mirrors
// them into the local roster. Used during creation before the first
// connect; once connected the fold listener keeps the roster current.
func (s *Session) AddMembers(ctx context.Context, members ...Member) error {
	for _, member := range members {
		if strings.TrimSpace(member.ID) == "" {
			return apperrors.New(apperrors.CodeInvalidPayload, "member id is required")
		}
		_, err := s.store.Write(ctx, remote.ChatMemberPath(s.id, member.ID), map[string]any{
			remote.KeyRole: member.Role.Label(),
		})
		if err != nil {
			return apperrors.Wrap(apperrors.CodeRemoteWriteFailed, fmt.Sprintf("add member %s", member.ID), err)
		}

		event := MembershipEvent{Kind: MembershipAdded, Member: member}
		s.mu.Lock()
		s.roster = applyMembership(s.roster, event)
		s.mu.Unlock()
		s.membership.Publish(event)
	}
	return nil
}

// RemoveMember deletes userID from the remote roster. The local roster
// entry is removed by the fold listener when the store confirms the
// removal, keeping a single mutation path while connected.
func (s *Session) RemoveMember(ctx context.Context, userID string) error {
	if err := s.store.Remove(ctx, remote.ChatMemberPath(s.id, userID)); err != nil {
		return apperrors.Wrap(apperrors.CodeRemoteWriteFailed, fmt.Sprintf("remove member %s", userID), err)
	}
	return nil
}

// UpdateMember rewrites a member's remote roster document. The write is
// remote-only; the fold listener applies the resulting roster change
// while connected, keeping a single mutation path.
func (s *Session) UpdateMember(ctx context.Context, member Member) error {
	if strings.TrimSpace(member.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidPayload, "member id is required")
	}
	err := s.store.Update(ctx, remote.ChatMemberPath(s.id, member.ID), map[string]any{
		remote.KeyRole: member.Role.Label(),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRemoteWriteFailed, fmt.Sprintf("update member %s", member.ID), err)
	}
	return nil
}

// SetRole updates a roster member's role locally, then writes the change
// to the remote roster. A failed remote write does not roll back the
// local mutation; the next roster snapshot corrects any divergence.
// Unknown identities are a no-op: no roster entry is created.
func (s *Session) SetRole(ctx context.Context, userID string, role RoleType) error {
	s.mu.Lock()
	found := false
	for i, member := range s.roster {
		if member.ID == userID {
			s.roster[i].Role = role
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return nil
	}

	if err := s.store.Update(ctx, remote.ChatMemberPath(s.id, userID), map[string]any{
		remote.KeyRole: role.Label(),
	}); err != nil {
		return apperrors.Wrap(apperrors.CodeRemoteWriteFailed, fmt.Sprintf("update role of %s", userID), err)
	}
	return nil
}

// InviteMembers dispatches a chat invitation to every non-self member.
// Failures aggregate: any failed dispatch fails the call.
func (s *Session) InviteMembers(ctx context.Context, members ...Member) error {
	if s.invites == nil {
		if len(members) == 0 || (len(members) == 1 && members[0].ID == s.me) {
			return nil
		}
		return errors.New("invite dispatcher is not configured")
	}

	var errs []error
	for _, member := range members {
		if member.ID == s.me {
			continue
		}
		if err := s.invites.Send(ctx, member.ID, invite.KindChat, s.id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperrors.Wrap(apperrors.CodeRemoteWriteFailed, "dispatch invitations", err)
	}
	return nil
}

func (s *Session) runRosterListener(gen int, events <-chan remote.ListEvent) {
	for event := range events {
		folded, ok := FoldListEvent(event)
		if !ok {
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.roster = applyMembership(s.roster, folded)
		s.mu.Unlock()

		// Published even when the roster already reflected the change:
		// delivery to subscribers is at-least-once.
		s.membership.Publish(folded)
	}
}

func (s *Session) runMetadataListener(gen int, metas <-chan map[string]any) {
	for meta := range metas {
		name, hasName := meta[remote.KeyName].(string)
		avatar, hasAvatar := meta[remote.KeyAvatar].(string)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		publishName := hasName && name != s.name
		if publishName {
			s.name = name
		}
		publishAvatar := hasAvatar && avatar != s.avatarURL
		if publishAvatar {
			s.avatarURL = avatar
		}
		s.mu.Unlock()

		if publishName {
			s.nameStream.Publish(name)
		}
		if publishAvatar {
			s.avatarStream.Publish(avatar)
		}
	}
}

// runReceiptListener acknowledges incoming messages with a "received"
// receipt. Own messages and receipts themselves are not acknowledged.
// Individual send failures are reported and the listener keeps running.
func (s *Session) runReceiptListener(ctx context.Context, msgs <-chan remote.Message) {
	for msg := range msgs {
		if msg.From == s.me {
			continue
		}
		if tag, ok := msg.Body[remote.KeyType].(string); ok && tag == TypeDeliveryReceipt {
			continue
		}
		if _, err := s.SendDeliveryReceipt(ctx, ReceiptReceived, msg.ID); err != nil {
			s.reportError(fmt.Errorf("send delivery receipt for %s: %w", msg.ID, err))
		}
	}
}

func (s *Session) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
		return
	}
	log.Printf("chat: session %s listener: %v", s.id, err)
}
