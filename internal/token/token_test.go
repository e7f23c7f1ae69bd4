package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parishdesk/parishdesk/internal/shared"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewIssuer("test-secret", ttl, client)
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t, 15*time.Minute)

	signed, claims, err := issuer.Issue(10, 1, []string{"members.view", "events.view"})
	require.NoError(t, err)
	require.NotEmpty(t, signed)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, "10", claims.Subject)

	verified, err := issuer.Verify(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, verified.ID)
	assert.Equal(t, int64(1), verified.ParishID)
	assert.Equal(t, []string{"members.view", "events.view"}, verified.Permissions)
}

func TestVerifyRejectsTampering(t *testing.T) {
	issuer := newTestIssuer(t, 15*time.Minute)

	signed, _, err := issuer.Issue(10, 1, nil)
	require.NoError(t, err)

	_, err = issuer.Verify(context.Background(), signed+"x")
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	_, err = issuer.Verify(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	// Signed by someone else's key.
	other := newTestIssuer(t, 15*time.Minute)
	other.secret = []byte("different-secret")
	foreign, _, err := other.Issue(10, 1, nil)
	require.NoError(t, err)
	_, err = issuer.Verify(context.Background(), foreign)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer := newTestIssuer(t, 15*time.Minute)

	issuedAt := time.Now().Add(-time.Hour)
	issuer.now = func() time.Time { return issuedAt }
	signed, _, err := issuer.Issue(10, 1, nil)
	require.NoError(t, err)

	// Still inside the lifetime from the issuance clock's point of view.
	issuer.now = func() time.Time { return issuedAt.Add(14 * time.Minute) }
	_, err = issuer.Verify(context.Background(), signed)
	assert.NoError(t, err)

	// Past the lifetime on the real clock.
	issuer.now = time.Now
	_, err = issuer.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)
}

func TestRevokeDenylistsTokenID(t *testing.T) {
	issuer := newTestIssuer(t, 15*time.Minute)

	signed, claims, err := issuer.Issue(10, 1, []string{"members.view"})
	require.NoError(t, err)

	_, err = issuer.Verify(context.Background(), signed)
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(context.Background(), claims.ID))

	_, err = issuer.Verify(context.Background(), signed)
	assert.ErrorIs(t, err, shared.ErrUnauthenticated)

	// Other tokens of the same user are untouched.
	otherSigned, _, err := issuer.Issue(10, 1, []string{"members.view"})
	require.NoError(t, err)
	_, err = issuer.Verify(context.Background(), otherSigned)
	assert.NoError(t, err)

	assert.Error(t, issuer.Revoke(context.Background(), ""))
}
