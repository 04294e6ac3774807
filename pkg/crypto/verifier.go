package crypto

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/binary"
	"time"
)

const minBodyLen = 1 + 16 + 8 + 8 + 2 + 2 + planHashSz + 2

// Decode parses and verifies a base64url-encoded token string against
// this Signer's key. Any field-length mismatch is a hard validation
// failure (spec §6), surfaced as ErrTokenInvalid{Sub: BadSignature}.
// Decode does not check expiry, tenant/action match, or used-flag —
// those are the approval package's job once it has the full request
// context; Decode only establishes "this byte string is an
// authentically-signed, well-formed token".
func (s *Signer) Decode(raw string) (*ApprovalToken, error) {
	full, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, &ErrTokenInvalid{Sub: SubBadSignature, Message: "not valid base64url"}
	}
	if len(full) < minBodyLen+hmacSize {
		return nil, &ErrTokenInvalid{Sub: SubBadSignature, Message: "record too short"}
	}

	body := full[:len(full)-hmacSize]
	gotMAC := full[len(full)-hmacSize:]
	wantMAC := s.mac(body)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, &ErrTokenInvalid{Sub: SubBadSignature, Message: "hmac mismatch"}
	}

	tok, err := unmarshalBody(body)
	if err != nil {
		return nil, &ErrTokenInvalid{Sub: SubBadSignature, Message: err.Error()}
	}
	return tok, nil
}

func unmarshalBody(body []byte) (*ApprovalToken, error) {
	tok := &ApprovalToken{}
	pos := 0

	tok.Version = body[pos]
	pos++

	copy(tok.TokenID[:], body[pos:pos+16])
	pos += 16

	tok.IssuedAt = time.Unix(int64(binary.BigEndian.Uint64(body[pos:pos+8])), 0).UTC()
	pos += 8
	tok.ExpiresAt = time.Unix(int64(binary.BigEndian.Uint64(body[pos:pos+8])), 0).UTC()
	pos += 8

	var err error
	tok.TenantID, pos, err = readLenPrefixed(body, pos)
	if err != nil {
		return nil, err
	}
	tok.ActionID, pos, err = readLenPrefixed(body, pos)
	if err != nil {
		return nil, err
	}

	if pos+planHashSz > len(body) {
		return nil, errShortRecord
	}
	copy(tok.PlanHash[:], body[pos:pos+planHashSz])
	pos += planHashSz

	tok.ApproverID, pos, err = readLenPrefixed(body, pos)
	if err != nil {
		return nil, err
	}
	if pos != len(body) {
		return nil, errTrailingBytes
	}
	return tok, nil
}

var errShortRecord = shortRecordError{}
var errTrailingBytes = trailingBytesError{}

type shortRecordError struct{}

func (shortRecordError) Error() string { return "record truncated" }

type trailingBytesError struct{}

func (trailingBytesError) Error() string { return "unexpected trailing bytes" }

func readLenPrefixed(body []byte, pos int) (string, int, error) {
	if pos+2 > len(body) {
		return "", pos, errShortRecord
	}
	n := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+n > len(body) {
		return "", pos, errShortRecord
	}
	s := string(body[pos : pos+n])
	pos += n
	return s, pos, nil
}

// IsExpired reports whether tok's expiry has passed as of now.
func (t *ApprovalToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
