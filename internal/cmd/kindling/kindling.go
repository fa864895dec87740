// Package kindling parses the client command flags and composes the chat
// session runtime: a remote store connection, local thread storage, and an
// interactive send loop.
package kindling

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/louisbranch/kindling/internal/chat"
	"github.com/louisbranch/kindling/internal/invite"
	entrypoint "github.com/louisbranch/kindling/internal/platform/cmd"
	"github.com/louisbranch/kindling/internal/remote"
	"github.com/louisbranch/kindling/internal/remote/memory"
	"github.com/louisbranch/kindling/internal/remote/ws"
	"github.com/louisbranch/kindling/internal/thread"
	threadsqlite "github.com/louisbranch/kindling/internal/thread/storage/sqlite"
)

// Config holds kindling command configuration.
type Config struct {
	UserID        string `env:"KINDLING_USER_ID"`
	Members       string `env:"KINDLING_MEMBERS"`
	ThreadName    string `env:"KINDLING_THREAD_NAME"`
	DBPath        string `env:"KINDLING_DB_PATH"              envDefault:"kindling.db"`
	StoreEndpoint string `env:"KINDLING_STORE_ENDPOINT"`
	StoreOrigin   string `env:"KINDLING_STORE_ORIGIN"`
	StoreSecret   string `env:"KINDLING_STORE_TOKEN_SECRET"`
	Receipts      bool   `env:"KINDLING_DELIVERY_RECEIPTS"    envDefault:"true"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "current user identity")
	fs.StringVar(&cfg.Members, "members", cfg.Members, "comma-separated conversation member ids")
	fs.StringVar(&cfg.ThreadName, "name", cfg.ThreadName, "conversation name for new group threads")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "local thread database path")
	fs.StringVar(&cfg.StoreEndpoint, "store-endpoint", cfg.StoreEndpoint, "remote store websocket URL (empty runs in-memory)")
	fs.StringVar(&cfg.StoreOrigin, "store-origin", cfg.StoreOrigin, "remote store handshake origin")
	fs.StringVar(&cfg.StoreSecret, "store-token-secret", cfg.StoreSecret, "remote store handshake token secret")
	fs.BoolVar(&cfg.Receipts, "delivery-receipts", cfg.Receipts, "acknowledge incoming messages automatically")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run resolves the configured conversation and pumps stdin lines into it
// until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceKindling, func(ctx context.Context) error {
		return run(ctx, cfg, os.Stdin)
	})
}

func run(ctx context.Context, cfg Config, input io.Reader) error {
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return errors.New("user id is required")
	}
	members := splitMembers(cfg.Members)
	if len(members) == 0 {
		return errors.New("at least one member is required")
	}

	store, closeStore, err := openRemoteStore(ctx, cfg, userID)
	if err != nil {
		return err
	}
	defer closeStore()

	threads, err := threadsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open thread storage: %w", err)
	}
	defer func() {
		if err := threads.Close(); err != nil {
			log.Printf("kindling: close thread storage: %v", err)
		}
	}()

	dispatcher, err := invite.NewStoreDispatcher(store, userID)
	if err != nil {
		return fmt.Errorf("build invite dispatcher: %w", err)
	}
	resolver, err := thread.NewResolver(store, threads, dispatcher, userID)
	if err != nil {
		return fmt.Errorf("build resolver: %w", err)
	}

	resolved, err := resolver.ResolveOrCreate(ctx, cfg.ThreadName, members, thread.TypeUnspecified, "", "")
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	log.Printf("kindling: conversation %s (%s) with %d members", resolved.ID, resolved.Type.Label(), len(resolved.Members))

	if resolved.Type == thread.TypeGroup {
		session, ok := resolver.SessionFor(resolved.ID)
		if !ok {
			session, err = chat.NewSession(store, chat.Options{
				UserID:           userID,
				DeliveryReceipts: cfg.Receipts,
				Invites:          dispatcher,
			}, resolved.ID)
			if err != nil {
				return fmt.Errorf("build session: %w", err)
			}
			resolver.RegisterSession(session)
		}
		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("connect session: %w", err)
		}
		defer session.Disconnect()
		go logSessionEvents(ctx, session)
	}

	return pumpInput(ctx, resolver, resolved.LocalID, input)
}

func openRemoteStore(ctx context.Context, cfg Config, userID string) (remote.Store, func(), error) {
	endpoint := strings.TrimSpace(cfg.StoreEndpoint)
	if endpoint == "" {
		log.Print("kindling: no store endpoint configured, using in-memory store")
		return memory.NewStore(), func() {}, nil
	}
	client, err := ws.Dial(ctx, ws.Config{
		Endpoint:    endpoint,
		Origin:      cfg.StoreOrigin,
		UserID:      userID,
		TokenSecret: cfg.StoreSecret,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial remote store: %w", err)
	}
	return client, func() {
		if err := client.Close(); err != nil {
			log.Printf("kindling: close remote store: %v", err)
		}
	}, nil
}

func logSessionEvents(ctx context.Context, session *chat.Session) {
	events, cancelEvents := session.SubscribeMembership()
	defer cancelEvents()
	names, cancelNames := session.SubscribeName()
	defer cancelNames()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case chat.MembershipAdded:
				log.Printf("kindling: member %s joined as %s", event.Member.ID, event.Member.Role.Label())
			case chat.MembershipRemoved:
				log.Printf("kindling: member %s left", event.Member.ID)
			}
		case name, ok := <-names:
			if !ok {
				return
			}
			log.Printf("kindling: conversation renamed to %q", name)
		case <-ctx.Done():
			return
		}
	}
}

// pumpInput sends each input line as a text message until input or ctx
// ends.
func pumpInput(ctx context.Context, resolver *thread.Resolver, localID string, input io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			payload, err := chat.NewTextMessage(line)
			if err != nil {
				log.Printf("kindling: invalid message: %v", err)
				continue
			}
			messageID, err := resolver.SendMessage(ctx, localID, payload)
			if err != nil {
				log.Printf("kindling: send message: %v", err)
				continue
			}
			log.Printf("kindling: sent %s", messageID)
		case <-ctx.Done():
			return nil
		}
	}
}

func splitMembers(raw string) []string {
	var members []string
	for _, member := range strings.Split(raw, ",") {
		if member = strings.TrimSpace(member); member != "" {
			members = append(members, member)
		}
	}
	return members
}
