package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	if _, exists := s.users[user.Username]; exists {
		return store.ErrDuplicate
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyRootStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"root": {
				Username:  "root",
				Password:  "root12345",
				Role:      domain.RoleRoot,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := legacyRootStore()
	ctx := context.Background()

	manager := NewAuthManager(ctx, "test-secret", time.Hour, users)
	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "root", Password: "root12345"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != domain.RoleRoot {
		t.Fatalf("expected root role, got %s", resp.Role)
	}

	stored, err := users.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
	if users.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	users := legacyRootStore()
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, users)

	created, err := manager.CreateUser(ctx, domain.UserCreateRequest{Username: " Shop2 ", Password: "pass12345"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if created.Username != "shop2" || created.Role != domain.RoleUser {
		t.Fatalf("unexpected user %+v", created)
	}

	stored, _ := users.ListUsers(ctx)
	var found *domain.UserAccount
	for i := range stored {
		if stored[i].Username == "shop2" {
			found = &stored[i]
		}
	}
	if found == nil {
		t.Fatalf("expected user to be saved")
	}
	if found.Password == "pass12345" || !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", found.Password)
	}

	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "shop2", Password: "pass12345"}); err != nil {
		t.Fatalf("login with created user failed: %v", err)
	}

	_, err = manager.CreateUser(ctx, domain.UserCreateRequest{Username: "shop2", Password: "pass12345"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for duplicate username, got %v", err)
	}
}

func TestCreateUserValidatesInput(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, &userStoreStub{})

	cases := []domain.UserCreateRequest{
		{Username: "ab", Password: "pass12345"},
		{Username: "shop3", Password: "short"},
		{Username: "shop3", Password: "pass12345", Role: "admin"},
	}
	for _, req := range cases {
		if _, err := manager.CreateUser(ctx, req); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	manager := NewAuthManager(ctx, "test-secret", time.Hour, legacyRootStore())

	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "ROOT", Password: "root12345"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "root" || actor.Role != domain.RoleRoot {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager(ctx, "other-secret", time.Hour, nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	ctx := context.Background()
	users := legacyRootStore()
	account := users.users["root"]
	account.Active = false
	users.users["root"] = account

	manager := NewAuthManager(ctx, "test-secret", time.Hour, users)
	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "root", Password: "root12345"}); !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}
