// Package auth defines the collaborator interfaces the server consumes for
// identity and channel authorization. Token issuance lives outside the
// server; it only validates.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidToken is returned by validators for missing, malformed, or
// expired tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the tenant-scoped user bound to a connection after a
// successful auth message.
type Identity struct {
	UserID   string
	TenantID string
}

// TokenValidator checks a bearer token and resolves it to an identity.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to the TokenValidator interface.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// ChannelACL decides whether a tenant may join a channel.
type ChannelACL interface {
	CanJoin(tenantID, channel string) bool
}

// ACLFunc adapts a function to the ChannelACL interface.
type ACLFunc func(tenantID, channel string) bool

func (f ACLFunc) CanJoin(tenantID, channel string) bool {
	return f(tenantID, channel)
}

// AllowAll permits every tenant on every channel.
func AllowAll() ChannelACL {
	return ACLFunc(func(string, string) bool { return true })
}

// StaticValidator resolves tokens against a fixed in-memory table. Intended
// for development and tests.
type StaticValidator struct {
	tokens map[string]Identity
}

// NewStaticValidator builds a validator from token -> identity pairs.
func NewStaticValidator(tokens map[string]Identity) *StaticValidator {
	cp := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticValidator{tokens: cp}
}

// ParseStaticTokens parses "token:user:tenant" triples separated by commas,
// the format accepted by the WIREHUB_TOKENS environment variable.
func ParseStaticTokens(spec string) (map[string]Identity, error) {
	tokens := make(map[string]Identity)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, errors.New("auth: token entry must be token:user:tenant, got " + entry)
		}
		tokens[parts[0]] = Identity{UserID: parts[1], TenantID: parts[2]}
	}
	return tokens, nil
}

func (v *StaticValidator) Validate(_ context.Context, token string) (Identity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
