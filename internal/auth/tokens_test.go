package auth

import (
	"errors"
	"testing"
	"time"
)

var signingSecret = []byte("test-signing-secret")

func TestMintAndVerifyToken(t *testing.T) {
	token, err := MintToken(signingSecret, "alice", time.Now())
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	subject, err := VerifyToken(signingSecret, token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if subject != "alice" {
		t.Errorf("subject = %q, want alice", subject)
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	// Minted 16 minutes ago, one minute past TokenLifetime.
	token, err := MintToken(signingSecret, "alice", time.Now().Add(-TokenLifetime-time.Minute))
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	_, err = VerifyToken(signingSecret, token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyTokenStillValidNearExpiry(t *testing.T) {
	token, err := MintToken(signingSecret, "alice", time.Now().Add(-TokenLifetime+10*time.Second))
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := VerifyToken(signingSecret, token); err != nil {
		t.Errorf("token 10s before expiry rejected: %v", err)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	token, err := MintToken(signingSecret, "alice", time.Now())
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	_, err = VerifyToken([]byte("other-secret"), token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyTokenGarbage(t *testing.T) {
	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := VerifyToken(signingSecret, token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("VerifyToken(%q) err = %v, want ErrTokenInvalid", token, err)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"Bearer   abc123  ", "abc123"},
		{"bearer abc123", ""},
		{"Basic abc123", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
