package auth

import (
	"context"
	"errors"
)

// Common errors returned by the credential gate.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// Store abstracts the persistent user catalogue used by the credential gate.
// Implementations must be safe for concurrent use and return ErrUserNotFound
// for unknown usernames.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
}

// SeedWriter is implemented by stores that can upsert seed accounts for
// bootstrapping.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User represents a persisted account with credentials.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Config configures the credential gate.
type Config struct {
	Seeds []Seed
}

// Seed defines an account to bootstrap.
type Seed struct {
	Username string
	Password string
	Disabled bool
}
