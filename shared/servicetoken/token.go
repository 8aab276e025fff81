// Package servicetoken mints and verifies the bearer tokens presented to
// the rating API. A token is the CBOR-encoded payload followed by a
// 64-byte Ed25519 signature over that payload, carried on the wire as
// unpadded base64url.
package servicetoken

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const signatureSize = ed25519.SignatureSize

// Token is the signed payload of a tenant bearer token.
type Token struct {
	// Subject identifies the acting user.
	Subject string `cbor:"1,keyasint"`

	// CompanyID is the tenant the user acts for.
	CompanyID string `cbor:"2,keyasint"`

	// Audience is the service the token is scoped to.
	Audience string `cbor:"3,keyasint"`

	// ID is a unique token identifier (hex).
	ID string `cbor:"4,keyasint"`

	// IssuedAt and ExpiresAt are unix seconds.
	IssuedAt  int64 `cbor:"5,keyasint"`
	ExpiresAt int64 `cbor:"6,keyasint"`
}

var (
	ErrMalformedToken   = errors.New("servicetoken: malformed token encoding")
	ErrTokenTooShort    = errors.New("servicetoken: token too short for signature")
	ErrInvalidSignature = errors.New("servicetoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("servicetoken: token has expired")
	ErrAudienceMismatch = errors.New("servicetoken: audience does not match")
	ErrMissingCompany   = errors.New("servicetoken: token carries no company")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: identical tokens produce identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("servicetoken: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("servicetoken: CBOR decoder initialization failed: " + err.Error())
	}
}

// Mint signs token and returns its wire (base64url) form.
func Mint(privateKey ed25519.PrivateKey, token *Token) (string, error) {
	payload, err := encMode.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("servicetoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	raw := make([]byte, len(payload)+signatureSize)
	copy(raw, payload)
	copy(raw[len(payload):], signature)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyAt decodes a wire token, checks its signature, expiry at now and
// audience, and returns the payload.
func VerifyAt(publicKey ed25519.PublicKey, wire string, audience string, now time.Time) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(wire))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if len(raw) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	split := len(raw) - signatureSize
	payload, signature := raw[:split], raw[split:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := decMode.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	if token.Audience != audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, audience)
	}

	if token.CompanyID == "" {
		return nil, ErrMissingCompany
	}

	return &token, nil
}
