// Package auth authenticates staff devices by API key.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// Scopes granted to staff keys.
const (
	ScopeOrdersRead  = "orders:read"
	ScopeOrdersWrite = "orders:write"
)

// ErrUnauthorized is returned for a missing, unknown or mismatching key.
var ErrUnauthorized = errors.New("unauthorized")

// StaffKey is a stored API key of one staff member. Only the HMAC of the key
// is kept.
type StaffKey struct {
	ID        string
	KeyHash   string
	StaffID   string
	PartnerID string
	Scopes    []string
}

// Can reports whether the key grants scope.
func (k StaffKey) Can(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository looks up staff keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*StaffKey, error)
}

// Hash returns the HMAC-SHA256 of key under pepper.
func Hash(pepper []byte, key string) []byte {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return mac.Sum(nil)
}

// HashHex returns Hash as lowercase hex, the form stored by repositories.
func HashHex(pepper []byte, key string) string {
	return hex.EncodeToString(Hash(pepper, key))
}

// Authenticator verifies presented keys.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate resolves the staff key for a presented API key.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*StaffKey, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	hash := Hash(a.pepper, key)

	info, err := a.keys.FindByHash(ctx, hex.EncodeToString(hash))
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	// The stored hash must match byte for byte even though the lookup used it.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(hash, stored) != 1 {
		return nil, ErrUnauthorized
	}
	return info, nil
}

type staffKey struct{}

// WithStaff stores the authenticated key in ctx.
func WithStaff(ctx context.Context, k *StaffKey) context.Context {
	return context.WithValue(ctx, staffKey{}, k)
}

// StaffFrom returns the authenticated key stored in ctx, if any.
func StaffFrom(ctx context.Context) (*StaffKey, bool) {
	k, ok := ctx.Value(staffKey{}).(*StaffKey)
	return k, ok && k != nil
}
