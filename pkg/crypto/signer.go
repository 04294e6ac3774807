// Package crypto implements the ApprovalToken wire codec (spec §6): a
// fixed binary record, HMAC-SHA256 signed and base64url encoded, plus
// PBKDF2 key derivation for AI_ENCRYPTION_KEY (spec §6 configuration
// table), grounded on the teacher's pkg/crypto signer/verifier split —
// adapted from Ed25519 artifact-signing to the spec's single-secret HMAC
// scheme.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

// TokenVersion is the current wire format version (spec §6: version(1)).
const TokenVersion byte = 1

const (
	hmacSize   = 32
	planHashSz = 32
	pbkdf2Iter = 100_000
	keySize    = 32
)

// DeriveKey derives a 32-byte process key from a passphrase and salt via
// PBKDF2-HMAC-SHA256, for AI_ENCRYPTION_KEY values that arrive as a
// passphrase rather than raw key material.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iter, keySize, sha256.New)
}

// ApprovalToken is the decoded form of the wire record (spec §3
// ApprovalToken entity).
type ApprovalToken struct {
	Version    byte
	TokenID    uuid.UUID
	IssuedAt   time.Time
	ExpiresAt  time.Time
	TenantID   string
	ActionID   string
	PlanHash   [32]byte
	ApproverID string
}

// ErrTokenInvalid is the ApprovalTokenInvalid error kind (spec §7), with
// Sub naming one of its required sub-kinds.
type ErrTokenInvalid struct {
	Sub     string
	Message string
}

func (e *ErrTokenInvalid) Error() string {
	return fmt.Sprintf("approval_token_invalid[%s]: %s", e.Sub, e.Message)
}

const (
	SubBadSignature = "BadSignature"
	SubExpired      = "Expired"
	SubAlreadyUsed  = "AlreadyUsed"
	SubPlanDrift    = "PlanDrift"
	SubWrongTenant  = "WrongTenant"
	SubWrongAction  = "WrongAction"
)

// Signer issues and validates ApprovalTokens against one HMAC secret.
type Signer struct {
	key []byte
}

// NewSigner builds a Signer from raw key bytes (expected 32 bytes, but
// any non-empty key is accepted — HMAC tolerates variable key length).
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("crypto: signer key must not be empty")
	}
	return &Signer{key: key}, nil
}

// Issue mints a new, signed, base64url-encoded ApprovalToken string.
func (s *Signer) Issue(tenantID, actionID, approverID string, planHash [32]byte, ttl time.Duration) (*ApprovalToken, string, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute // spec §3: "default ≤10 min from issuance"
	}
	now := time.Now().UTC()
	tok := &ApprovalToken{
		Version:    TokenVersion,
		TokenID:    uuid.New(),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		TenantID:   tenantID,
		ActionID:   actionID,
		PlanHash:   planHash,
		ApproverID: approverID,
	}
	encoded, err := s.encodeAndSign(tok)
	if err != nil {
		return nil, "", err
	}
	return tok, encoded, nil
}

// encodeAndSign serializes tok per the spec §6 wire format and appends
// an HMAC-SHA256 tag over every preceding byte.
func (s *Signer) encodeAndSign(tok *ApprovalToken) (string, error) {
	body, err := marshalBody(tok)
	if err != nil {
		return "", err
	}
	mac := s.mac(body)
	full := append(body, mac...)
	return base64.URLEncoding.EncodeToString(full), nil
}

func (s *Signer) mac(body []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write(body)
	return h.Sum(nil)
}

// marshalBody writes every field up to (not including) the trailing
// hmac(32): version(1) ‖ token_id(16) ‖ issued_at(8 BE) ‖ expires_at(8 BE)
// ‖ tenant_len(2) ‖ tenant_bytes ‖ action_len(2) ‖ action_bytes ‖
// plan_hash(32) ‖ approver_len(2) ‖ approver_bytes.
func marshalBody(tok *ApprovalToken) ([]byte, error) {
	if len(tok.TenantID) > 0xFFFF || len(tok.ActionID) > 0xFFFF || len(tok.ApproverID) > 0xFFFF {
		return nil, errors.New("crypto: field exceeds 65535 bytes")
	}

	buf := make([]byte, 0, 1+16+8+8+2+len(tok.TenantID)+2+len(tok.ActionID)+planHashSz+2+len(tok.ApproverID))
	buf = append(buf, tok.Version)
	buf = append(buf, tok.TokenID[:]...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(tok.IssuedAt.Unix()))
	buf = append(buf, tsBuf[:]...)
	binary.BigEndian.PutUint64(tsBuf[:], uint64(tok.ExpiresAt.Unix()))
	buf = append(buf, tsBuf[:]...)

	buf = appendLenPrefixed(buf, tok.TenantID)
	buf = appendLenPrefixed(buf, tok.ActionID)
	buf = append(buf, tok.PlanHash[:]...)
	buf = appendLenPrefixed(buf, tok.ApproverID)
	return buf, nil
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

// randomSalt is a convenience for callers that need a fresh PBKDF2 salt;
// not part of the wire format.
func randomSalt(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
