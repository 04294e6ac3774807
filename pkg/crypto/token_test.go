package crypto_test

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/aegisfabric/governance/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planHash(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func TestSigner_IssueAndDecodeRoundTrip(t *testing.T) {
	s, err := crypto.NewSigner([]byte("test-secret-key-32-bytes-long!!"))
	require.NoError(t, err)

	ph := planHash(`{"action":"delete_invoice"}`)
	tok, encoded, err := s.Issue("tenant-a", "action-1", "approver-1", ph, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	decoded, err := s.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, tok.TokenID, decoded.TokenID)
	assert.Equal(t, "tenant-a", decoded.TenantID)
	assert.Equal(t, "action-1", decoded.ActionID)
	assert.Equal(t, "approver-1", decoded.ApproverID)
	assert.Equal(t, ph, decoded.PlanHash)
}

func TestSigner_TamperedTokenFailsBadSignature(t *testing.T) {
	s, err := crypto.NewSigner([]byte("key-a"))
	require.NoError(t, err)
	_, encoded, err := s.Issue("t1", "a1", "approver", planHash("x"), time.Minute)
	require.NoError(t, err)

	tampered := encoded[:len(encoded)-2] + "AA"
	_, err = s.Decode(tampered)
	require.Error(t, err)
	var inv *crypto.ErrTokenInvalid
	require.ErrorAs(t, err, &inv)
}

func TestSigner_WrongKeyFailsBadSignature(t *testing.T) {
	issuer, _ := crypto.NewSigner([]byte("key-a"))
	other, _ := crypto.NewSigner([]byte("key-b"))
	_, encoded, err := issuer.Issue("t1", "a1", "approver", planHash("x"), time.Minute)
	require.NoError(t, err)

	_, err = other.Decode(encoded)
	require.Error(t, err)
	var inv *crypto.ErrTokenInvalid
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, crypto.SubBadSignature, inv.Sub)
}

func TestSigner_DefaultTTLIsTenMinutes(t *testing.T) {
	s, _ := crypto.NewSigner([]byte("key"))
	tok, _, err := s.Issue("t1", "a1", "approver", planHash("x"), 0)
	require.NoError(t, err)
	assert.InDelta(t, 10*time.Minute, tok.ExpiresAt.Sub(tok.IssuedAt), float64(time.Second))
}

func TestApprovalToken_IsExpired(t *testing.T) {
	now := time.Now()
	tok := &crypto.ApprovalToken{IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, tok.IsExpired(now))

	fresh := &crypto.ApprovalToken{IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, fresh.IsExpired(now))
}

func TestDeriveKey_IsDeterministicGivenSameSalt(t *testing.T) {
	salt := []byte("fixed-salt")
	k1 := crypto.DeriveKey("passphrase", salt)
	k2 := crypto.DeriveKey("passphrase", salt)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}
