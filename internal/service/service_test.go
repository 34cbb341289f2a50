package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/registry"
	"github.com/mmynk/groupchat/internal/storage/sqlite"
)

type publishedEvent struct {
	groupID int64
	event   string
	payload any
}

// fakePublisher records every published event.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, groupID int64, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{groupID, event, payload})
	return nil
}

func (p *fakePublisher) all() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

func (p *fakePublisher) named(event string) []publishedEvent {
	var out []publishedEvent
	for _, e := range p.all() {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store      *sqlite.SQLiteStore
	membership *MembershipService
	auth       *AuthService
	publisher  *fakePublisher
	metrics    *metrics.Metrics
}

func setupTest(t *testing.T, regOpts ...registry.Option) *testEnv {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pub := &fakePublisher{}
	m := metrics.New(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	authenticator := auth.NewPasswordAuthenticator(store).WithCost(bcrypt.MinCost)
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)

	return &testEnv{
		store:      store,
		membership: NewMembershipService(registry.New(store, regOpts...), store, pub, m),
		auth:       NewAuthService(authenticator, jwtManager, auth.NewMemoryRevocations(), store, logger),
		publisher:  pub,
		metrics:    m,
	}
}

// addUsers creates accounts directly in the store and returns their sessions.
func (e *testEnv) addUsers(t *testing.T, names ...string) map[string]auth.Session {
	t.Helper()
	sessions := make(map[string]auth.Session, len(names))
	for _, name := range names {
		if err := e.store.CreateUser(context.Background(), models.NewUser(name, "unused")); err != nil {
			t.Fatalf("failed to create user %s: %v", name, err)
		}
		sessions[name] = auth.Session{Username: name, TokenID: name + "-token", ExpiresAt: time.Now().Add(time.Hour)}
	}
	return sessions
}

func (e *testEnv) groupsOf(t *testing.T, username string) []int64 {
	t.Helper()
	user, err := e.store.GetUser(context.Background(), username)
	if err != nil {
		t.Fatalf("GetUser(%s) failed: %v", username, err)
	}
	return user.Groups
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
