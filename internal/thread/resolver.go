package thread

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/kindling/internal/chat"
	apperrors "github.com/louisbranch/kindling/internal/errors"
	"github.com/louisbranch/kindling/internal/invite"
	"github.com/louisbranch/kindling/internal/platform/id"
	"github.com/louisbranch/kindling/internal/remote"
)

// Resolver is the entry point for starting or finding a conversation. It
// resolves a participant set to an existing local thread, or creates a
// local record and, for group threads, allocates the backing remote
// session. It also tracks live sessions so message sends can route to an
// already-connected session by thread id.
type Resolver struct {
	me      string
	remote  remote.Store
	threads Store
	invites invite.Dispatcher

	// resolveMu serializes resolve/create critical sections so two
	// concurrent calls for one participant set cannot both miss the
	// lookup and allocate duplicate sessions. Advisory only: it does not
	// guard against a second process doing the same.
	resolveMu sync.Mutex

	liveMu sync.RWMutex
	live   map[string]*chat.Session
}

// NewResolver builds a resolver acting as currentUser.
func NewResolver(remoteStore remote.Store, threads Store, invites invite.Dispatcher, currentUser string) (*Resolver, error) {
	if remoteStore == nil {
		return nil, errors.New("remote store is required")
	}
	if threads == nil {
		return nil, errors.New("thread store is required")
	}
	currentUser = strings.TrimSpace(currentUser)
	if currentUser == "" {
		return nil, errors.New("current user id is required")
	}
	return &Resolver{
		me:      currentUser,
		remote:  remoteStore,
		threads: threads,
		invites: invites,
		live:    make(map[string]*chat.Session),
	}, nil
}

// ResolveOrCreate resolves members to an existing thread or creates one.
//
// An existing thread with the exact same member set returns immediately
// with no remote call. Otherwise a new local record is created; direct
// threads bind deterministically to the current user's identity, group
// threads allocate a remote session and bind to its id. A non-empty
// explicitID binds the record directly without any remote work, used when
// the conversation already exists remotely (an accepted invitation).
func (r *Resolver) ResolveOrCreate(ctx context.Context, name string, members []string, threadType Type, explicitID, imageURL string) (Thread, error) {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	normalized := NormalizeMembers(r.me, members)

	existing, err := r.threads.FindThreadByMembers(ctx, normalized)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperrors.New(apperrors.CodeNotFound, "")) {
		return Thread{}, fmt.Errorf("find thread by members: %w", err)
	}

	if threadType == TypeUnspecified {
		threadType = TypeGroup
		if len(normalized) == 2 {
			threadType = TypeDirect
		}
	}
	if threadType == TypeDirect && len(normalized) != 2 {
		return Thread{}, apperrors.New(apperrors.CodeInvalidParticipants,
			fmt.Sprintf("direct thread requires exactly 2 members, got %d", len(normalized)))
	}

	localID, err := id.NewID()
	if err != nil {
		return Thread{}, fmt.Errorf("allocate thread id: %w", err)
	}
	created := Thread{
		LocalID:   localID,
		Type:      threadType,
		Creator:   r.me,
		Name:      strings.TrimSpace(name),
		ImageURL:  strings.TrimSpace(imageURL),
		Members:   normalized,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case explicitID != "":
		created.ID = explicitID
	case threadType == TypeDirect:
		created.ID = r.me
	}

	if err := r.threads.CreateThread(ctx, created); err != nil {
		return Thread{}, fmt.Errorf("create thread record: %w", err)
	}
	if created.ID != "" {
		r.logResolved(ctx, created)
		return created, nil
	}

	// Group thread with no existing remote conversation: allocate the
	// session now. On failure the unbound local record stays behind;
	// cleanup belongs to the embedding application.
	roster := make([]chat.Member, 0, len(normalized)-1)
	for _, member := range normalized {
		if member != r.me {
			roster = append(roster, chat.Member{ID: member, Role: chat.RoleMember})
		}
	}
	session, err := chat.Create(ctx, r.remote, chat.Options{UserID: r.me, Invites: r.invites}, created.Name, created.ImageURL, roster)
	if err != nil {
		return Thread{}, err
	}

	created.ID = session.ID()
	if err := r.threads.PersistThread(ctx, created); err != nil {
		return Thread{}, fmt.Errorf("bind thread to session %s: %w", session.ID(), err)
	}
	r.RegisterSession(session)
	r.logResolved(ctx, created)
	return created, nil
}

// SendMessage routes payload to the thread stored under localID. The
// lookup keys on the local record id, not the bound conversation id:
// every direct thread binds to the current user's identity, so the
// conversation id cannot distinguish two direct threads. Direct threads
// write to the counterpart's personal message path; group threads
// require a live registered session and fail with a CodeSessionNotFound
// error rather than creating one.
func (r *Resolver) SendMessage(ctx context.Context, localID string, payload chat.Sendable) (string, error) {
	record, err := r.threads.FindThreadByLocalID(ctx, localID)
	if err != nil {
		return "", fmt.Errorf("find thread %s: %w", localID, err)
	}

	if record.Type == TypeDirect {
		other, ok := record.OtherMember(r.me)
		if !ok {
			return "", apperrors.New(apperrors.CodeInvalidParticipants,
				fmt.Sprintf("direct thread %s has no counterpart", localID))
		}
		return r.sendDirect(ctx, other, payload)
	}

	session, ok := r.SessionFor(record.ID)
	if !ok {
		return "", apperrors.New(apperrors.CodeSessionNotFound,
			fmt.Sprintf("no live session for thread %s", localID))
	}
	return session.Send(ctx, payload)
}

func (r *Resolver) sendDirect(ctx context.Context, toUserID string, payload chat.Sendable) (string, error) {
	if payload == nil {
		return "", apperrors.New(apperrors.CodeInvalidPayload, "payload is required")
	}
	body := payload.Body()
	body[remote.KeyFrom] = r.me
	body[remote.KeyDate] = r.remote.ServerTimestamp()

	messageID, err := r.remote.Write(ctx, remote.UserMessagesPath(toUserID), body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRemoteWriteFailed, fmt.Sprintf("write direct message to %s", toUserID), err)
	}
	return messageID, nil
}

// RegisterSession makes a live session routable by its id.
func (r *Resolver) RegisterSession(session *chat.Session) {
	if session == nil {
		return
	}
	r.liveMu.Lock()
	r.live[session.ID()] = session
	r.liveMu.Unlock()
}

// ReleaseSession drops the live session registered under sessionID.
func (r *Resolver) ReleaseSession(sessionID string) {
	r.liveMu.Lock()
	delete(r.live, sessionID)
	r.liveMu.Unlock()
}

// SessionFor returns the live session registered under sessionID.
func (r *Resolver) SessionFor(sessionID string) (*chat.Session, bool) {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()
	session, ok := r.live[sessionID]
	return session, ok
}

func (r *Resolver) logResolved(ctx context.Context, t Thread) {
	line := fmt.Sprintf("thread: resolved %s type=%s id=%s members=%d", t.LocalID, t.Type.Label(), t.ID, len(t.Members))
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		line += " trace_id=" + sc.TraceID().String()
	}
	log.Print(line)
}
