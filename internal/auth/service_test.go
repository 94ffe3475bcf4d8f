package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func init() {
	bcryptCost = bcrypt.MinCost
}

type failingStore struct{ err error }

func (f failingStore) FindUserByUsername(context.Context, string) (*User, error) {
	return nil, f.err
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := NewMemoryStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{Seeds: []Seed{
		{Username: "alice", Password: "s3cret"},
		{Username: "mallory", Password: "pw", Disabled: true},
	}}, store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestVerify(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Verify(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("expected valid credentials, got %v", err)
	}
	cases := []struct {
		name, user, pass string
	}{
		{"wrong password", "alice", "nope"},
		{"unknown user", "bob", "s3cret"},
		{"disabled", "mallory", "pw"},
		{"empty password", "alice", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.Verify(ctx, tc.user, tc.pass); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestVerifySurfacesStoreFailure(t *testing.T) {
	boom := errors.New("connection refused")
	svc, err := NewService(context.Background(), Config{}, failingStore{err: boom})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	err = svc.Verify(context.Background(), "alice", "s3cret")
	if !errors.Is(err, boom) || errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestApplySeedReplacesPassword(t *testing.T) {
	store, err := NewMemoryStore([]Seed{{Username: "alice", Password: "old"}})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.ApplySeed(context.Background(), Seed{Username: "alice", Password: "new"}); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	user, err := store.FindUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if user.ID != 1 {
		t.Fatalf("expected id to be preserved, got %d", user.ID)
	}
	if !verifyPassword(user.PasswordHash, "new") || verifyPassword(user.PasswordHash, "old") {
		t.Fatalf("password was not replaced")
	}
	if _, err := store.FindUserByUsername(context.Background(), "bob"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
