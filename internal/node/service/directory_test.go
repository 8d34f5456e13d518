package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/distorage-io/distorage/internal/node/domain"
	"github.com/distorage-io/distorage/internal/node/port"
)

func TestAuthenticate_RegistersUnknownUser(t *testing.T) {
	f := newFixture("node-1", peer("node-2"), peer("node-3"))
	ctx := context.Background()

	if err := f.directory.Authenticate(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("first login should register: %v", err)
	}

	raw, err := f.store.Get(ctx, domain.UserKey("alice"))
	if err != nil {
		t.Fatalf("account not persisted: %v", err)
	}
	var account domain.UserAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if account.Origin != "node-1" {
		t.Fatalf("expected origin node-1, got %s", account.Origin)
	}
	if account.PasswordHash == "s3cret" {
		t.Fatal("password stored in clear")
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte("s3cret")) != nil {
		t.Fatal("stored hash does not verify the password")
	}

	f.drain()
	for _, addr := range []string{"node-2:7601", "node-3:7601"} {
		pushed := f.peers.recordsPushedTo(addr)
		if len(pushed) != 1 || pushed[0].Kind != domain.KindUser || pushed[0].Key != domain.UserKey("alice") {
			t.Fatalf("expected one user envelope pushed to %s, got %+v", addr, pushed)
		}
	}
}

func TestAuthenticate_KnownUser(t *testing.T) {
	f := newFixture("node-1", peer("node-2"))
	ctx := context.Background()

	if err := f.directory.Authenticate(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.directory.Authenticate(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("second login should succeed: %v", err)
	}
	if err := f.directory.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, port.ErrAuthFailed) {
		t.Fatalf("wrong password should fail auth, got %v", err)
	}

	f.drain()
	if pushed := f.peers.recordsPushedTo("node-2:7601"); len(pushed) != 1 {
		t.Fatalf("logins after registration must not re-replicate, got %d pushes", len(pushed))
	}
}

func TestAuthenticate_EmptyCredentials(t *testing.T) {
	f := newFixture("node-1")
	defer f.drain()

	if err := f.directory.Authenticate(context.Background(), "", "pw"); !errors.Is(err, port.ErrAuthFailed) {
		t.Fatalf("empty username should fail auth, got %v", err)
	}
	if err := f.directory.Authenticate(context.Background(), "alice", ""); !errors.Is(err, port.ErrAuthFailed) {
		t.Fatalf("empty password should fail auth, got %v", err)
	}
}

func TestApplyUser_EarliestRegistrationWins(t *testing.T) {
	f := newFixture("node-1")
	defer f.drain()
	ctx := context.Background()

	hash, _ := bcrypt.GenerateFromPassword([]byte("local-pw"), bcrypt.MinCost)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	local := domain.UserAccount{
		Username: "alice", PasswordHash: string(hash), CreatedAt: base, Origin: "node-1",
	}
	if err := f.directory.ApplyUser(ctx, local); err != nil {
		t.Fatalf("seed local account: %v", err)
	}

	// A later concurrent registration loses everywhere.
	later := local
	later.CreatedAt = base.Add(time.Second)
	later.Origin = "node-9"
	later.PasswordHash = "other-hash"
	if err := f.directory.ApplyUser(ctx, later); err != nil {
		t.Fatalf("apply later: %v", err)
	}
	if got := currentUser(t, f, "alice"); got.Origin != "node-1" {
		t.Fatalf("later registration must not win, got origin %s", got.Origin)
	}

	// An earlier one wins and replaces the local account.
	earlier := local
	earlier.CreatedAt = base.Add(-time.Second)
	earlier.Origin = "node-0"
	earlier.PasswordHash = "earlier-hash"
	if err := f.directory.ApplyUser(ctx, earlier); err != nil {
		t.Fatalf("apply earlier: %v", err)
	}
	if got := currentUser(t, f, "alice"); got.Origin != "node-0" || got.PasswordHash != "earlier-hash" {
		t.Fatalf("earlier registration should win, got %+v", got)
	}
}

func TestApplyUser_TieBreaksOnOrigin(t *testing.T) {
	f := newFixture("node-1")
	defer f.drain()
	ctx := context.Background()

	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	a := domain.UserAccount{Username: "bob", PasswordHash: "h-a", CreatedAt: ts, Origin: "node-b"}
	b := domain.UserAccount{Username: "bob", PasswordHash: "h-b", CreatedAt: ts, Origin: "node-a"}

	if err := f.directory.ApplyUser(ctx, a); err != nil {
		t.Fatalf("apply a: %v", err)
	}
	if err := f.directory.ApplyUser(ctx, b); err != nil {
		t.Fatalf("apply b: %v", err)
	}
	if got := currentUser(t, f, "bob"); got.Origin != "node-a" {
		t.Fatalf("lower origin id should win the tie, got %s", got.Origin)
	}

	// Applying in the opposite order converges on the same winner.
	f2 := newFixture("node-1")
	defer f2.drain()
	_ = f2.directory.ApplyUser(ctx, b)
	_ = f2.directory.ApplyUser(ctx, a)
	if got := currentUser(t, f2, "bob"); got.Origin != "node-a" {
		t.Fatalf("order must not matter, got %s", got.Origin)
	}
}

func currentUser(t *testing.T, f *fixture, username string) domain.UserAccount {
	t.Helper()
	raw, err := f.store.Get(context.Background(), domain.UserKey(username))
	if err != nil {
		t.Fatalf("account %s missing: %v", username, err)
	}
	var account domain.UserAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	return account
}
