package tier

import (
	"context"
	"sync"
)

// Static is an in-process lookup. Users not listed get the default tier.
type Static struct {
	mu       sync.RWMutex
	users    map[string]Tier
	fallback Tier
	strict   bool
}

// NewStatic builds a lookup from a user -> tier map. When strict is set,
// unlisted users yield ErrUnknownUser instead of Free.
func NewStatic(users map[string]Tier, strict bool) *Static {
	m := make(map[string]Tier, len(users))
	for k, v := range users {
		m[k] = v
	}
	return &Static{users: m, fallback: Free, strict: strict}
}

func (s *Static) Tier(ctx context.Context, userID string) (Tier, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.users[userID]; ok {
		return t, nil
	}
	if s.strict {
		return "", ErrUnknownUser
	}
	return s.fallback, nil
}

func (s *Static) SetTier(ctx context.Context, userID string, t Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = t
	return nil
}
