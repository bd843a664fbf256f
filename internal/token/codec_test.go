package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestCodecRoundTripsValidPayloads(t *testing.T) {
	now := time.Date(2026, 6, 20, 23, 0, 0, 0, time.UTC)
	codec, err := NewCodec(CodecConfig{Secret: []byte("scan-secret"), Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	kinds := []Kind{KindPerson, KindResale, KindOneNightRoom, KindGeneric}
	for _, kind := range kinds {
		nonce, err := NewNonce()
		if err != nil {
			t.Fatalf("unexpected nonce error: %v", err)
		}
		original := Payload{
			Code:      "GLO-001",
			Kind:      kind,
			ExpiresAt: now.Add(time.Minute).Unix(),
			Nonce:     nonce,
		}
		encoded, err := codec.Encode(original)
		if err != nil {
			t.Fatalf("unexpected encode error for kind %s: %v", kind, err)
		}
		decoded, err := codec.Verify(encoded)
		if err != nil {
			t.Fatalf("expected verification success for kind %s: %v", kind, err)
		}
		if decoded != original {
			t.Fatalf("round trip mismatch: %#v != %#v", decoded, original)
		}
	}
}

func TestCodecRejectsTamperedSignatures(t *testing.T) {
	now := time.Date(2026, 6, 20, 23, 0, 0, 0, time.UTC)
	codec, err := NewCodec(CodecConfig{Secret: []byte("scan-secret"), Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	encoded, err := codec.Encode(Payload{
		Code:      "GLO-001",
		Kind:      KindGeneric,
		ExpiresAt: now.Add(time.Minute).Unix(),
		Nonce:     "nonce-1",
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	dot := strings.LastIndex(encoded, ".")
	signature := []byte(encoded[dot+1:])
	for i := range signature {
		flipped := append([]byte(nil), signature...)
		if flipped[i] == 'A' {
			flipped[i] = 'B'
		} else {
			flipped[i] = 'A'
		}
		tampered := encoded[:dot+1] + string(flipped)
		if _, err := codec.Verify(tampered); !errors.Is(err, ErrBadSignature) {
			t.Fatalf("expected bad signature at byte %d, got %v", i, err)
		}
	}
}

func TestCodecRejectsExpiredPayloads(t *testing.T) {
	issuedAt := time.Date(2026, 6, 20, 23, 0, 0, 0, time.UTC)
	expiresAt := issuedAt.Add(60 * time.Second)

	codec, err := NewCodec(CodecConfig{Secret: []byte("scan-secret"), Clock: fixedClock(issuedAt)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	encoded, err := codec.Encode(Payload{
		Code:      "GLO-001",
		Kind:      KindResale,
		ExpiresAt: expiresAt.Unix(),
		Nonce:     "nonce-2",
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	cases := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{name: "one second before expiry", at: expiresAt.Add(-time.Second), wantErr: nil},
		{name: "at expiry", at: expiresAt, wantErr: ErrExpired},
		{name: "sixty first second", at: expiresAt.Add(time.Second), wantErr: ErrExpired},
	}
	for _, tc := range cases {
		verifier, err := NewCodec(CodecConfig{Secret: []byte("scan-secret"), Clock: fixedClock(tc.at)})
		if err != nil {
			t.Fatalf("%s: unexpected constructor error: %v", tc.name, err)
		}
		_, err = verifier.Verify(encoded)
		if tc.wantErr == nil && err != nil {
			t.Fatalf("%s: expected success, got %v", tc.name, err)
		}
		if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestCodecRejectsMalformedTokens(t *testing.T) {
	codec, err := NewCodec(CodecConfig{Secret: []byte("scan-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	for _, tokenString := range []string{"", "no-dot", ".", "a.", ".b", "%%%.sig"} {
		if _, err := codec.Verify(tokenString); !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrBadSignature) {
			t.Fatalf("expected fail-closed verification for %q, got %v", tokenString, err)
		}
	}
}

func TestCodecRejectsForeignSecrets(t *testing.T) {
	now := time.Date(2026, 6, 20, 23, 0, 0, 0, time.UTC)
	signer, err := NewCodec(CodecConfig{Secret: []byte("secret-a"), Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	verifier, err := NewCodec(CodecConfig{Secret: []byte("secret-b"), Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	encoded, err := signer.Encode(Payload{
		Code:      "GLO-002",
		Kind:      KindGeneric,
		ExpiresAt: now.Add(time.Minute).Unix(),
		Nonce:     "nonce-3",
	})
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if _, err := verifier.Verify(encoded); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature across secrets, got %v", err)
	}
}

func TestEncodeValidatesFields(t *testing.T) {
	codec, err := NewCodec(CodecConfig{Secret: []byte("scan-secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	invalid := []Payload{
		{Kind: KindGeneric, ExpiresAt: 1, Nonce: "n"},
		{Code: "GLO-001", Kind: "mystery", ExpiresAt: 1, Nonce: "n"},
		{Code: "GLO-001", Kind: KindGeneric, Nonce: "n"},
		{Code: "GLO-001", Kind: KindGeneric, ExpiresAt: 1},
	}
	for i, payload := range invalid {
		if _, err := codec.Encode(payload); err == nil {
			t.Fatalf("case %d: expected encode rejection for %#v", i, payload)
		}
	}
}

func TestNewCodecRequiresSecret(t *testing.T) {
	if _, err := NewCodec(CodecConfig{}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestSingleUseKinds(t *testing.T) {
	if !KindResale.SingleUse() || !KindOneNightRoom.SingleUse() {
		t.Fatalf("resale and one_night_room must be single use")
	}
	if KindPerson.SingleUse() || KindGeneric.SingleUse() {
		t.Fatalf("person and generic must not be single use")
	}
}
