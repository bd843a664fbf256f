package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects which downstream action family a signed payload unlocks.
type Kind string

const (
	// KindPerson links the scanner to another attendee's profile action.
	KindPerson Kind = "person"
	// KindResale unlocks a resale ticket claim and is single use.
	KindResale Kind = "resale"
	// KindOneNightRoom admits the scanner to an ephemeral room and is single use.
	KindOneNightRoom Kind = "one_night_room"
	// KindGeneric carries no kind-specific semantics.
	KindGeneric Kind = "generic"
)

// SingleUse reports whether the kind requires nonce replay protection.
func (k Kind) SingleUse() bool {
	return k == KindResale || k == KindOneNightRoom
}

func (k Kind) valid() bool {
	switch k {
	case KindPerson, KindResale, KindOneNightRoom, KindGeneric:
		return true
	}
	return false
}

var (
	// ErrMalformed indicates the token could not be parsed at all.
	ErrMalformed = errors.New("token: malformed")
	// ErrBadSignature indicates the signature did not verify over the payload bytes.
	ErrBadSignature = errors.New("token: bad signature")
	// ErrExpired indicates the signature verified but the payload expiry has passed.
	ErrExpired = errors.New("token: expired")

	errMissingSecret = errors.New("token: signing secret required")
	errMissingCode   = errors.New("token: beacon code required")
	errInvalidKind   = errors.New("token: unknown kind")
	errMissingExpiry = errors.New("token: expiry required")
	errMissingNonce  = errors.New("token: nonce required")
)

// Payload is the signed, ephemeral content of an /x/ token. It never carries
// personally identifying information; Kind only selects the action family.
type Payload struct {
	Code      string `json:"code"`
	Kind      Kind   `json:"kind"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
}

// CodecConfig configures the signed payload codec.
type CodecConfig struct {
	Secret []byte
	Clock  func() time.Time
}

// Codec encodes and verifies HMAC-SHA256 signed payload tokens. Verification
// is pure; replay protection is the caller's concern.
type Codec struct {
	secret []byte
	clock  func() time.Time
}

// NewCodec constructs a codec over the server-held signing secret.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errMissingSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Codec{
		secret: append([]byte(nil), cfg.Secret...),
		clock:  clock,
	}, nil
}

// Encode produces "base64url(payload).base64url(hmac)" for the payload.
func (c *Codec) Encode(payload Payload) (string, error) {
	if strings.TrimSpace(payload.Code) == "" {
		return "", errMissingCode
	}
	if !payload.Kind.valid() {
		return "", fmt.Errorf("%w: %q", errInvalidKind, payload.Kind)
	}
	if payload.ExpiresAt <= 0 {
		return "", errMissingExpiry
	}
	if strings.TrimSpace(payload.Nonce) == "" {
		return "", errMissingNonce
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + c.sign(encoded), nil
}

// Verify parses and authenticates a token, failing closed on any parse error,
// signature mismatch, or past expiry. Callers must never act on a payload
// returned alongside a non-nil error.
func (c *Codec) Verify(tokenString string) (Payload, error) {
	encoded, signature, found := strings.Cut(strings.TrimSpace(tokenString), ".")
	if !found || encoded == "" || signature == "" {
		return Payload{}, ErrMalformed
	}

	expected := c.sign(encoded)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Payload{}, ErrBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, ErrMalformed
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, ErrMalformed
	}
	if strings.TrimSpace(payload.Code) == "" || !payload.Kind.valid() || payload.Nonce == "" {
		return Payload{}, ErrMalformed
	}
	if !c.clock().UTC().Before(time.Unix(payload.ExpiresAt, 0).UTC()) {
		return Payload{}, ErrExpired
	}

	return payload, nil
}

func (c *Codec) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// NewNonce returns a random, collision-resistant nonce for payload minting.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
