package schema

import (
	"context"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
)

const (
	identifierAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	IdentifierLength   = 10
)

// RandSource is the injectable randomness for identifier generation so
// tests can force collisions deterministically.
type RandSource interface {
	Intn(n int) int
}

// GenerateIdentifier draws random identifiers until one is unused within
// the organization, bounded by maxAttempts. Exhaustion is a definitive
// conflict, never an endless loop.
func GenerateIdentifier(ctx context.Context, rnd RandSource, maxAttempts int, exists func(ctx context.Context, id string) (bool, error)) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := make([]byte, IdentifierLength)
		for i := range candidate {
			candidate[i] = identifierAlphabet[rnd.Intn(len(identifierAlphabet))]
		}
		id := string(candidate)
		taken, err := exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", apperr.Conflict("schema identifier generation exhausted after %d attempts", maxAttempts)
}
