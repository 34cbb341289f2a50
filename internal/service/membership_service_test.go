package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mmynk/groupchat/internal/auth"
	"github.com/mmynk/groupchat/internal/metrics"
	"github.com/mmynk/groupchat/internal/models"
	"github.com/mmynk/groupchat/internal/registry"
)

func TestTriviaScenario(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice", "bob", "carol")

	group, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Trivia", Theme: "general", MaxMembers: 2})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if len(group.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(group.Members))
	}
	if !contains(env.groupsOf(t, "alice"), group.ID) {
		t.Errorf("alice's groups should contain %d", group.ID)
	}

	joined, err := env.membership.JoinGroup(ctx, s["bob"], group.ID, "bob")
	if err != nil {
		t.Fatalf("bob JoinGroup failed: %v", err)
	}
	if len(joined.Members) != 2 {
		t.Errorf("expected 2 members, got %d", len(joined.Members))
	}
	events := env.publisher.named(models.EventUserJoined)
	if len(events) != 1 {
		t.Fatalf("expected 1 user_joined event, got %d", len(events))
	}
	if events[0].groupID != group.ID || events[0].payload != (models.UserJoinedPayload{UserName: "bob"}) {
		t.Errorf("unexpected event: %+v", events[0])
	}

	_, err = env.membership.JoinGroup(ctx, s["carol"], group.ID, "carol")
	if !errors.Is(err, models.ErrCapacity) {
		t.Fatalf("carol: expected capacity error, got %v", err)
	}
	after, err := env.membership.GetGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if len(after.Members) != 2 {
		t.Errorf("member count should remain 2, got %d", len(after.Members))
	}
	if len(env.publisher.named(models.EventUserJoined)) != 1 {
		t.Error("failed join must not emit user_joined")
	}
}

func TestJoinGroupIsStrict(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice", "bob")

	group, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Chess"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if group.MaxMembers != models.DefaultMaxMembers {
		t.Errorf("expected default capacity %d, got %d", models.DefaultMaxMembers, group.MaxMembers)
	}

	// username defaults to the session user
	joined, err := env.membership.JoinGroup(ctx, s["bob"], group.ID, "")
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if joined.Members[1] != (models.Member{Username: "bob", Status: models.StatusPending}) {
		t.Errorf("expected bob pending, got %+v", joined.Members[1])
	}

	_, err = env.membership.JoinGroup(ctx, s["bob"], group.ID, "bob")
	if !errors.Is(err, models.ErrAlreadyMember) {
		t.Errorf("second join: expected ErrAlreadyMember, got %v", err)
	}

	_, err = env.membership.JoinGroup(ctx, s["alice"], group.ID, "alice")
	if !errors.Is(err, models.ErrAlreadyMember) {
		t.Errorf("creator join: expected ErrAlreadyMember, got %v", err)
	}
}

func TestJoinGroupNotFound(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice")

	group, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Chess"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	_, err = env.membership.JoinGroup(ctx, s["alice"], group.ID, "ghost")
	if !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("unknown user: expected ErrUserNotFound, got %v", err)
	}

	_, err = env.membership.JoinGroup(ctx, s["alice"], 1, "alice")
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("unknown group: expected ErrGroupNotFound, got %v", err)
	}
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	const n = 20

	names := []string{"host"}
	for i := 0; i < n; i++ {
		names = append(names, fmt.Sprintf("user%02d", i))
	}
	s := env.addUsers(t, names...)

	group, err := env.membership.CreateGroup(ctx, s["host"], CreateGroupInput{Name: "Tiny", MaxMembers: 2})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for _, name := range names[1:] {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := env.membership.JoinGroup(ctx, s[name], group.ID, name)
			if err != nil && !errors.Is(err, models.ErrGroupFull) {
				t.Errorf("%s: unexpected error %v", name, err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("expected exactly 1 successful join, got %d", succeeded)
	}
	got, _ := env.membership.GetGroup(ctx, group.ID)
	if len(got.Members) != 2 {
		t.Errorf("expected 2 members, got %d", len(got.Members))
	}
	if len(env.publisher.named(models.EventUserJoined)) != 1 {
		t.Errorf("expected exactly 1 user_joined event")
	}
}

func TestCreateOrJoin(t *testing.T) {
	ctx := context.Background()

	t.Run("creates when no group has the name", func(t *testing.T) {
		env := setupTest(t)
		s := env.addUsers(t, "alice")

		group, err := env.membership.CreateOrJoin(ctx, s["alice"], CreateOrJoinInput{
			CreateGroupInput: CreateGroupInput{Name: "Trivia", Theme: "general", MaxMembers: 2},
		})
		if err != nil {
			t.Fatalf("CreateOrJoin failed: %v", err)
		}
		if group.Name != "Trivia" || group.MaxMembers != 2 {
			t.Errorf("unexpected group: %+v", group)
		}
		if group.Members[0] != (models.Member{Username: "alice", Status: models.StatusActive}) {
			t.Errorf("creator should be the active member, got %+v", group.Members)
		}
		if len(env.publisher.all()) != 0 {
			t.Error("creating a group emits no event")
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		env := setupTest(t)
		s := env.addUsers(t, "alice", "bob")

		group, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Book Club", MaxMembers: 4})
		if err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}

		in := CreateOrJoinInput{CreateGroupInput: CreateGroupInput{Name: "Book Club"}, Username: "bob"}
		first, err := env.membership.CreateOrJoin(ctx, s["bob"], in)
		if err != nil {
			t.Fatalf("first CreateOrJoin failed: %v", err)
		}
		second, err := env.membership.CreateOrJoin(ctx, s["bob"], in)
		if err != nil {
			t.Fatalf("second CreateOrJoin failed: %v", err)
		}

		if first.ID != group.ID || second.ID != group.ID {
			t.Errorf("expected both calls to target %d", group.ID)
		}
		if len(first.Members) != 2 || len(second.Members) != 2 {
			t.Errorf("member count changed: %d then %d", len(first.Members), len(second.Members))
		}
		if n := len(env.publisher.named(models.EventUserJoined)); n != 1 {
			t.Errorf("expected 1 user_joined event, got %d", n)
		}
	})

	t.Run("existing member is a no-op even when full", func(t *testing.T) {
		env := setupTest(t)
		s := env.addUsers(t, "alice")

		if _, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Solo", MaxMembers: 1}); err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
		got, err := env.membership.CreateOrJoin(ctx, s["alice"], CreateOrJoinInput{CreateGroupInput: CreateGroupInput{Name: "Solo"}})
		if err != nil {
			t.Fatalf("CreateOrJoin failed: %v", err)
		}
		if len(got.Members) != 1 {
			t.Errorf("expected 1 member, got %d", len(got.Members))
		}
	})

	t.Run("full group", func(t *testing.T) {
		env := setupTest(t)
		s := env.addUsers(t, "alice", "bob")

		if _, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Solo", MaxMembers: 1}); err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
		_, err := env.membership.CreateOrJoin(ctx, s["bob"], CreateOrJoinInput{CreateGroupInput: CreateGroupInput{Name: "Solo"}})
		if !errors.Is(err, models.ErrGroupFull) {
			t.Errorf("expected ErrGroupFull, got %v", err)
		}
	})

	t.Run("joins the oldest group with the name", func(t *testing.T) {
		env := setupTest(t)
		s := env.addUsers(t, "alice", "bob", "carol")

		older, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Dupes"})
		if err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
		// inserted directly so its timestamp is strictly later
		newer := &models.Group{ID: 9999999, Name: "Dupes", MaxMembers: 8, CreatedAt: older.CreatedAt + 10}
		if err := env.store.InsertGroup(ctx, newer); err != nil {
			t.Fatalf("InsertGroup failed: %v", err)
		}

		got, err := env.membership.CreateOrJoin(ctx, s["carol"], CreateOrJoinInput{CreateGroupInput: CreateGroupInput{Name: "Dupes"}})
		if err != nil {
			t.Fatalf("CreateOrJoin failed: %v", err)
		}
		if got.ID != older.ID {
			t.Errorf("expected oldest group %d, got %d", older.ID, got.ID)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		env := setupTest(t)
		s := env.addUsers(t, "alice")
		_, err := env.membership.CreateOrJoin(ctx, s["alice"], CreateOrJoinInput{
			CreateGroupInput: CreateGroupInput{Name: "X"},
			Username:         "ghost",
		})
		if !errors.Is(err, models.ErrUserNotFound) {
			t.Errorf("expected ErrUserNotFound, got %v", err)
		}
	})
}

func TestDeleteGroup(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice", "bob", "mallory")

	group, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Trivia", MaxMembers: 3})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	if _, err := env.membership.JoinGroup(ctx, s["bob"], group.ID, ""); err != nil {
		t.Fatalf("JoinGroup failed: %v", err)
	}

	t.Run("non-member is forbidden", func(t *testing.T) {
		err := env.membership.DeleteGroup(ctx, s["mallory"], group.ID)
		if !errors.Is(err, models.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
		got, err := env.membership.GetGroup(ctx, group.ID)
		if err != nil {
			t.Fatalf("group should still exist: %v", err)
		}
		if names := got.Usernames(); len(names) != 2 || names[0] != "alice" || names[1] != "bob" {
			t.Errorf("members changed: %v", names)
		}
		if len(env.publisher.named(models.EventGroupDeleted)) != 0 {
			t.Error("rejected delete must not emit group_deleted")
		}
	})

	t.Run("member deletes and ids are stripped", func(t *testing.T) {
		if err := env.membership.DeleteGroup(ctx, s["bob"], group.ID); err != nil {
			t.Fatalf("DeleteGroup failed: %v", err)
		}
		for _, name := range []string{"alice", "bob"} {
			if contains(env.groupsOf(t, name), group.ID) {
				t.Errorf("%s still lists deleted group", name)
			}
		}
		events := env.publisher.named(models.EventGroupDeleted)
		if len(events) != 1 || events[0].payload != (models.GroupDeletedPayload{GroupID: group.ID}) {
			t.Errorf("unexpected group_deleted events: %+v", events)
		}
	})

	t.Run("already deleted", func(t *testing.T) {
		err := env.membership.DeleteGroup(ctx, s["alice"], group.ID)
		if !errors.Is(err, models.ErrGroupNotFound) {
			t.Errorf("expected ErrGroupNotFound, got %v", err)
		}
	})
}

func TestRecordAction(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice", "bob")

	group, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "Poker"})
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}

	if err := env.membership.RecordAction(ctx, s["alice"], group.ID, "fold"); err != nil {
		t.Fatalf("RecordAction failed: %v", err)
	}
	// non-members can declare actions too
	if err := env.membership.RecordAction(ctx, s["bob"], group.ID, "raise"); err != nil {
		t.Fatalf("RecordAction for non-member failed: %v", err)
	}
	if err := env.membership.RecordAction(ctx, s["alice"], group.ID, "check"); err != nil {
		t.Fatalf("RecordAction overwrite failed: %v", err)
	}

	got, _ := env.membership.GetGroup(ctx, group.ID)
	if got.Actions["alice"] != "check" || got.Actions["bob"] != "raise" {
		t.Errorf("unexpected actions: %v", got.Actions)
	}

	events := env.publisher.named(models.EventActionUpdated)
	if len(events) != 3 {
		t.Fatalf("expected 3 action_updated events, got %d", len(events))
	}
	want := models.ActionUpdatedPayload{UserName: "alice", YourAction: "check"}
	if events[2].payload != want {
		t.Errorf("got %+v, want %+v", events[2].payload, want)
	}

	err = env.membership.RecordAction(ctx, s["alice"], 1, "fold")
	if !errors.Is(err, models.ErrGroupNotFound) {
		t.Errorf("unknown group: expected ErrGroupNotFound, got %v", err)
	}
	err = env.membership.RecordAction(ctx, s["alice"], group.ID, "")
	if !errors.Is(err, models.ErrInvalid) {
		t.Errorf("empty action: expected ErrInvalid, got %v", err)
	}
	if len(env.publisher.named(models.EventActionUpdated)) != 3 {
		t.Error("failed actions must not emit events")
	}
}

func TestMutationsRequireSession(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	var anon auth.Session

	checks := map[string]error{}
	_, checks["CreateGroup"] = env.membership.CreateGroup(ctx, anon, CreateGroupInput{Name: "X"})
	_, checks["JoinGroup"] = env.membership.JoinGroup(ctx, anon, 1234567, "alice")
	_, checks["CreateOrJoin"] = env.membership.CreateOrJoin(ctx, anon, CreateOrJoinInput{CreateGroupInput: CreateGroupInput{Name: "X"}})
	checks["DeleteGroup"] = env.membership.DeleteGroup(ctx, anon, 1234567)
	checks["RecordAction"] = env.membership.RecordAction(ctx, anon, 1234567, "x")

	for name, err := range checks {
		if !errors.Is(err, models.ErrUnauthenticated) {
			t.Errorf("%s: expected ErrUnauthenticated, got %v", name, err)
		}
	}
}

func TestCreateGroupValidation(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice")

	tests := []struct {
		name string
		in   CreateGroupInput
	}{
		{"empty name", CreateGroupInput{Name: ""}},
		{"blank name", CreateGroupInput{Name: "   "}},
		{"long name", CreateGroupInput{Name: strings.Repeat("n", MaxNameLength+1)}},
		{"long theme", CreateGroupInput{Name: "ok", Theme: strings.Repeat("t", MaxThemeLength+1)}},
		{"negative capacity", CreateGroupInput{Name: "ok", MaxMembers: -1}},
		{"huge capacity", CreateGroupInput{Name: "ok", MaxMembers: MaxGroupSize + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.membership.CreateGroup(ctx, s["alice"], tt.in)
			if !errors.Is(err, models.ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestUniqueIDsUnderNearExhaustion(t *testing.T) {
	env := setupTest(t, registry.WithIDSource(registry.RandomIDs{Min: 1000000, Max: 1000015}))
	ctx := context.Background()
	s := env.addUsers(t, "alice")

	seen := make(map[int64]bool)
	for i := 0; i < 16; i++ {
		g, err := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: fmt.Sprintf("g%d", i)})
		if err != nil {
			t.Fatalf("CreateGroup %d failed: %v", i, err)
		}
		if seen[g.ID] {
			t.Fatalf("duplicate id %d", g.ID)
		}
		seen[g.ID] = true
	}
	if got := len(env.groupsOf(t, "alice")); got != 16 {
		t.Errorf("expected alice in 16 groups, got %d", got)
	}
}

func TestMembershipMetrics(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	s := env.addUsers(t, "alice", "bob", "carol")

	group, _ := env.membership.CreateGroup(ctx, s["alice"], CreateGroupInput{Name: "M", MaxMembers: 2})
	env.membership.JoinGroup(ctx, s["bob"], group.ID, "")
	env.membership.JoinGroup(ctx, s["carol"], group.ID, "")

	ops := env.metrics.MembershipOps
	if got := testutil.ToFloat64(ops.WithLabelValues("join", metrics.OutcomeOK)); got != 1 {
		t.Errorf("join ok: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(ops.WithLabelValues("join", metrics.OutcomeFull)); got != 1 {
		t.Errorf("join full: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.metrics.EventsPublished.WithLabelValues(models.EventUserJoined)); got != 1 {
		t.Errorf("events: got %v, want 1", got)
	}
}
