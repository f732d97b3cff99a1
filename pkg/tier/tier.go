// Package tier answers whether a user is currently premium.
//
// Lookups always go to the backing accounts store. Callers must not cache the
// answer across a decision: a user may upgrade at any moment.
package tier

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Tier is a user's subscription level.
type Tier string

const (
	Free    Tier = "FREE"
	Premium Tier = "PREMIUM"
)

// Role strings as stored by the accounts database.
const (
	RoleFree    = "free_user"
	RolePremium = "premium_user"
)

// ErrUnknownUser indicates the accounts store has no record for the user.
var ErrUnknownUser = errors.New("unknown user")

// Lookup returns a user's current tier.
type Lookup interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

// Setter is implemented by lookups that can record a tier change.
type Setter interface {
	SetTier(ctx context.Context, userID string, t Tier) error
}

// FromRole maps an accounts role string to a tier.
func FromRole(role string) (Tier, error) {
	switch strings.TrimSpace(strings.ToLower(role)) {
	case RoleFree:
		return Free, nil
	case RolePremium:
		return Premium, nil
	}
	return "", fmt.Errorf("unrecognized role %q", role)
}

// Role maps a tier to the accounts role string.
func (t Tier) Role() string {
	if t == Premium {
		return RolePremium
	}
	return RoleFree
}

// Parse accepts either a tier name or a role string.
func Parse(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case Free:
		return Free, nil
	case Premium:
		return Premium, nil
	}
	return FromRole(s)
}
