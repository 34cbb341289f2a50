// Package storagetest holds the behavior every storage.Store backend must
// show. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/storage"
)

// Factory returns a fresh, empty store. It registers its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run exercises the full storage.Store contract against stores made by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("InsertAndGetGroup", func(t *testing.T) { testInsertAndGetGroup(t, newStore(t)) })
	t.Run("FindGroupByName", func(t *testing.T) { testFindGroupByName(t, newStore(t)) })
	t.Run("AppendMember", func(t *testing.T) { testAppendMember(t, newStore(t)) })
	t.Run("ConcurrentAppendRespectsCapacity", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("DeleteGroup", func(t *testing.T) { testDeleteGroup(t, newStore(t)) })
	t.Run("SetAction", func(t *testing.T) { testSetAction(t, newStore(t)) })
}

func newGroup(id int64, name string, maxMembers int, creator string) *models.Group {
	return &models.Group{
		ID:         id,
		Name:       name,
		Theme:      "general",
		MaxMembers: maxMembers,
		Members:    []models.Member{{Username: creator, Status: models.StatusActive}},
	}
}

func mustInsert(t *testing.T, s storage.Store, g *models.Group) {
	t.Helper()
	if err := s.InsertGroup(context.Background(), g); err != nil {
		t.Fatalf("InsertGroup(%d) failed: %v", g.ID, err)
	}
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()

	if err := s.CreateUser(ctx, models.NewUser("alice", "hash")); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	err := s.CreateUser(ctx, models.NewUser("alice", "other"))
	if !errors.Is(err, models.ErrUsernameTaken) {
		t.Errorf("duplicate CreateUser: expected ErrUsernameTaken, got %v", err)
	}

	// usernames are case-sensitive
	if err := s.CreateUser(ctx, models.NewUser("Alice", "hash")); err != nil {
		t.Errorf("CreateUser with different case failed: %v", err)
	}

	user, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.PasswordHash != "hash" {
		t.Errorf("PasswordHash: got %q, want %q", user.PasswordHash, "hash")
	}
	if len(user.Groups) != 0 {
		t.Errorf("expected no groups, got %v", user.Groups)
	}

	_, err = s.GetUser(ctx, "nobody")
	if !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("GetUser unknown: expected ErrUserNotFound, got %v", err)
	}
}

func testInsertAndGetGroup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustInsert(t, s, newGroup(1234567, "Trivia", 2, "alice"))

	got, err := s.GetGroup(ctx, 1234567)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if got.Name != "Trivia" || got.Theme != "general" || got.MaxMembers != 2 {
		t.Errorf("unexpected group: %+v", got)
	}
	if len(got.Members) != 1 || got.Members[0].Username != "alice" || got.Members[0].Status != models.StatusActive {
		t.Errorf("unexpected members: %+v", got.Members)
	}
	if got.CreatedAt == 0 {
		t.Error("expected CreatedAt to be set")
	}

	err = s.InsertGroup(ctx, newGroup(1234567, "Other", 8, "bob"))
	if !errors.Is(err, models.ErrDuplicateID) {
		t.Errorf("duplicate id: expected ErrDuplicateID, got %v", err)
	}

	_, err = s.GetGroup(ctx, 7654321)
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("GetGroup unknown: expected ErrGroupNotFound, got %v", err)
	}
}

func testFindGroupByName(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := newGroup(1000001, "Chess", 8, "alice")
	first.CreatedAt = 100
	second := newGroup(1000002, "Chess", 8, "bob")
	second.CreatedAt = 200
	mustInsert(t, s, second)
	mustInsert(t, s, first)

	got, err := s.FindGroupByName(ctx, "Chess")
	if err != nil {
		t.Fatalf("FindGroupByName failed: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected oldest group %d, got %d", first.ID, got.ID)
	}

	_, err = s.FindGroupByName(ctx, "Go")
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}
}

func testAppendMember(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustInsert(t, s, newGroup(2000000, "Trivia", 2, "alice"))
	for _, name := range []string{"alice", "bob", "carol"} {
		if err := s.CreateUser(ctx, models.NewUser(name, "hash")); err != nil {
			t.Fatalf("CreateUser(%s) failed: %v", name, err)
		}
	}

	got, err := s.AppendMember(ctx, 2000000, models.Member{Username: "bob", Status: models.StatusPending})
	if err != nil {
		t.Fatalf("AppendMember failed: %v", err)
	}
	if names := got.Usernames(); len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
		t.Errorf("expected [alice bob], got %v", names)
	}
	if got.Members[1].Status != models.StatusPending {
		t.Errorf("expected pending status, got %q", got.Members[1].Status)
	}

	user, err := s.GetUser(ctx, "bob")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if !user.InGroup(2000000) {
		t.Errorf("expected bob's groups to contain 2000000, got %v", user.Groups)
	}

	_, err = s.AppendMember(ctx, 2000000, models.Member{Username: "bob", Status: models.StatusPending})
	if !errors.Is(err, models.ErrAlreadyMember) {
		t.Errorf("second append: expected ErrAlreadyMember, got %v", err)
	}

	_, err = s.AppendMember(ctx, 2000000, models.Member{Username: "carol", Status: models.StatusPending})
	if !errors.Is(err, models.ErrGroupFull) {
		t.Errorf("append to full group: expected ErrGroupFull, got %v", err)
	}

	_, err = s.AppendMember(ctx, 3000000, models.Member{Username: "carol", Status: models.StatusPending})
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("append to unknown group: expected ErrGroupNotFound, got %v", err)
	}

	after, err := s.GetGroup(ctx, 2000000)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if len(after.Members) != 2 {
		t.Errorf("expected 2 members after failed appends, got %d", len(after.Members))
	}
}

func testConcurrentAppend(t *testing.T, s storage.Store) {
	ctx := context.Background()
	const joiners = 16

	for _, capacity := range []int{1, 3} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			id := int64(4000000 + capacity)
			g := newGroup(id, "Race", capacity, "host")
			g.Members = nil
			mustInsert(t, s, g)

			var wg sync.WaitGroup
			var mu sync.Mutex
			succeeded, full := 0, 0
			for i := 0; i < joiners; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.AppendMember(ctx, id, models.Member{
						Username: fmt.Sprintf("user%02d", i),
						Status:   models.StatusPending,
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						succeeded++
					case errors.Is(err, models.ErrGroupFull):
						full++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()

			if succeeded != capacity {
				t.Errorf("expected exactly %d successful joins, got %d", capacity, succeeded)
			}
			if full != joiners-capacity {
				t.Errorf("expected %d ErrGroupFull, got %d", joiners-capacity, full)
			}

			got, err := s.GetGroup(ctx, id)
			if err != nil {
				t.Fatalf("GetGroup failed: %v", err)
			}
			if len(got.Members) != capacity {
				t.Errorf("expected %d members, got %d", capacity, len(got.Members))
			}
		})
	}
}

func testDeleteGroup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, name := range []string{"alice", "bob", "mallory"} {
		if err := s.CreateUser(ctx, models.NewUser(name, "hash")); err != nil {
			t.Fatalf("CreateUser(%s) failed: %v", name, err)
		}
	}
	mustInsert(t, s, newGroup(5000000, "Doomed", 8, "alice"))
	mustInsert(t, s, newGroup(5000001, "Kept", 8, "alice"))
	if _, err := s.AppendMember(ctx, 5000000, models.Member{Username: "bob", Status: models.StatusPending}); err != nil {
		t.Fatalf("AppendMember failed: %v", err)
	}
	if err := s.SetAction(ctx, 5000000, "bob", "ready"); err != nil {
		t.Fatalf("SetAction failed: %v", err)
	}

	err := s.DeleteGroup(ctx, 5000000, "mallory")
	if !errors.Is(err, models.ErrNotMember) {
		t.Errorf("delete by non-member: expected ErrNotMember, got %v", err)
	}
	g, err := s.GetGroup(ctx, 5000000)
	if err != nil {
		t.Fatalf("group should survive a rejected delete: %v", err)
	}
	if len(g.Members) != 2 {
		t.Errorf("expected original 2 members, got %d", len(g.Members))
	}

	if err := s.DeleteGroup(ctx, 5000000, "bob"); err != nil {
		t.Fatalf("DeleteGroup failed: %v", err)
	}
	if _, err := s.GetGroup(ctx, 5000000); !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound after delete, got %v", err)
	}

	for _, name := range []string{"alice", "bob"} {
		user, err := s.GetUser(ctx, name)
		if err != nil {
			t.Fatalf("GetUser(%s) failed: %v", name, err)
		}
		if user.InGroup(5000000) {
			t.Errorf("%s still lists deleted group: %v", name, user.Groups)
		}
	}
	alice, _ := s.GetUser(ctx, "alice")
	if !alice.InGroup(5000001) {
		t.Errorf("alice lost unrelated group: %v", alice.Groups)
	}

	err = s.DeleteGroup(ctx, 5000000, "alice")
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("second delete: expected ErrGroupNotFound, got %v", err)
	}

	// the id is free again
	mustInsert(t, s, newGroup(5000000, "Reborn", 8, "bob"))
	reborn, err := s.GetGroup(ctx, 5000000)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if len(reborn.Actions) != 0 {
		t.Errorf("expected actions of deleted group to be gone, got %v", reborn.Actions)
	}
}

func testSetAction(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustInsert(t, s, newGroup(6000000, "Poker", 8, "alice"))

	if err := s.SetAction(ctx, 6000000, "alice", "fold"); err != nil {
		t.Fatalf("SetAction failed: %v", err)
	}
	if err := s.SetAction(ctx, 6000000, "alice", "raise"); err != nil {
		t.Fatalf("SetAction overwrite failed: %v", err)
	}
	// non-members may declare actions too
	if err := s.SetAction(ctx, 6000000, "bob", "check"); err != nil {
		t.Fatalf("SetAction for non-member failed: %v", err)
	}

	g, err := s.GetGroup(ctx, 6000000)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g.Actions["alice"] != "raise" || g.Actions["bob"] != "check" || len(g.Actions) != 2 {
		t.Errorf("unexpected actions: %v", g.Actions)
	}

	err = s.SetAction(ctx, 6999999, "alice", "fold")
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("SetAction unknown group: expected ErrGroupNotFound, got %v", err)
	}
}
