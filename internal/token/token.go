// Package token issues and verifies the signed credential that carries a
// principal's resolved permission snapshot. The snapshot is a point-in-time
// cache: it trades a database round-trip per request for a bounded staleness
// window, which is why credential lifetime stays short and the
// administrative surface re-resolves instead of trusting it.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parishdesk/parishdesk/internal/shared"
)

// Claims is the credential payload: principal identity, home parish and the
// permission-code snapshot resolved at issuance.
type Claims struct {
	ParishID    int64    `json:"parish_id"`
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Issuer signs, verifies and revokes credentials. Revocation is backed by a
// Redis denylist keyed by token id so a compromised credential can be cut
// off before its natural expiry.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	redis  *redis.Client
	now    func() time.Time
}

// NewIssuer constructs an Issuer.
func NewIssuer(secret string, ttl time.Duration, client *redis.Client) *Issuer {
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		redis:  client,
		now:    time.Now,
	}
}

// TTL exposes the configured credential lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a credential embedding the resolved permission snapshot.
func (i *Issuer) Issue(userID, parishID int64, permissions []string) (string, *Claims, error) {
	now := i.now()
	claims := Claims{
		ParishID:    parishID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("token: sign: %w", err)
	}
	return signed, &claims, nil
}

// Verify parses and validates a credential, including the revocation list.
// Any failure surfaces as shared.ErrUnauthenticated so callers cannot
// distinguish a forged token from an expired or revoked one.
func (i *Issuer) Verify(ctx context.Context, raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil || !parsed.Valid {
		return nil, shared.ErrUnauthenticated
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, shared.ErrUnauthenticated
	}

	revoked, err := i.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, shared.ErrUnauthenticated
	}
	return claims, nil
}

// Revoke places a token id on the denylist. The entry outlives the
// credential's natural expiry so a revoked token can never come back.
func (i *Issuer) Revoke(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return errors.New("token: revoke requires a token id")
	}
	return i.redis.Set(ctx, revocationKey(tokenID), "1", i.ttl+time.Minute).Err()
}

func (i *Issuer) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := i.redis.Get(ctx, revocationKey(tokenID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("token: revocation lookup: %w", err)
	}
	return true, nil
}

func revocationKey(tokenID string) string {
	return "parishdesk:token:revoked:" + tokenID
}
