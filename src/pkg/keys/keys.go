// Package keys mints the opaque identifiers images are stored under.
package keys

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultAttempts bounds how many keys Next tries before giving up.
const DefaultAttempts = 3

var ErrKeySpaceExhausted = errors.New("no unused key found")

// New returns a random version 4 UUID as 32 lowercase hex characters.
func New() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(u[:]), nil
}

// ExistsFunc reports whether key is already taken.
type ExistsFunc func(ctx context.Context, key string) (bool, error)

type Generator struct {
	exists   ExistsFunc
	attempts int
	source   func() (string, error)
}

// NewGenerator returns a generator that checks candidates against exists
// before handing them out. A nil exists skips the check.
func NewGenerator(exists ExistsFunc, attempts int) *Generator {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	return &Generator{
		exists:   exists,
		attempts: attempts,
		source:   New,
	}
}

func (g *Generator) Next(ctx context.Context) (string, error) {
	for range g.attempts {
		key, err := g.source()
		if err != nil {
			return "", err
		}
		if g.exists == nil {
			return key, nil
		}
		taken, err := g.exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check key: %w", err)
		}
		if !taken {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrKeySpaceExhausted, g.attempts)
}
