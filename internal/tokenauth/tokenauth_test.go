package tokenauth

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pkt.systems/lucid/internal/clock"
	"pkt.systems/pslog"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newVerifier(t *testing.T, issuer string) (*Verifier, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(now)
	v, err := NewVerifier(VerifierConfig{
		Enabled: true,
		Secret:  []byte("s3cret"),
		Issuer:  issuer,
		Clock:   clk,
		Logger:  pslog.NewStructured(io.Discard),
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v, clk
}

func mustIssue(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := Issue([]byte(secret), claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

func TestDisabledVerifierPassesEverything(t *testing.T) {
	v, err := NewVerifier(VerifierConfig{})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if v.Enabled() {
		t.Fatal("expected disabled verifier")
	}
	if _, err := v.Verify(""); err != nil {
		t.Fatalf("disabled verifier rejected request: %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(VerifierConfig{Enabled: true}); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestVerifyAcceptsValidToken(t *testing.T) {
	v, _ := newVerifier(t, "")
	token := mustIssue(t, "s3cret", NewClaims(RootSubject, DefaultIssuer, now, time.Hour))
	claims, err := v.Verify("Bearer " + token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != RootSubject || claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := v.Verify("bearer " + token); err != nil {
		t.Fatalf("scheme must be case-insensitive: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	v, _ := newVerifier(t, "")
	valid := mustIssue(t, "s3cret", NewClaims("alice", DefaultIssuer, now, time.Hour))
	expired := mustIssue(t, "s3cret", NewClaims("alice", DefaultIssuer, now.Add(-2*time.Hour), time.Hour))
	wrongKey := mustIssue(t, "other", NewClaims("alice", DefaultIssuer, now, time.Hour))
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	noExpSigned, err := noExp.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, NewClaims("alice", DefaultIssuer, now, time.Hour))
	hs512Signed, err := hs512.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name   string
		header string
		want   error
	}{
		{"empty", "", ErrMissingToken},
		{"bearer without token", "Bearer ", ErrMissingToken},
		{"basic scheme", "Basic " + valid, ErrInvalidToken},
		{"garbage", "Bearer not-a-jwt", ErrInvalidToken},
		{"expired", "Bearer " + expired, ErrInvalidToken},
		{"wrong key", "Bearer " + wrongKey, ErrInvalidToken},
		{"missing exp", "Bearer " + noExpSigned, ErrInvalidToken},
		{"other algorithm", "Bearer " + hs512Signed, ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.header); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestVerifyHonoursClock(t *testing.T) {
	v, clk := newVerifier(t, "")
	token := mustIssue(t, "s3cret", NewClaims("alice", DefaultIssuer, now, time.Minute))
	if _, err := v.Verify("Bearer " + token); err != nil {
		t.Fatalf("verify: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := v.Verify("Bearer " + token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry after advancing clock, got %v", err)
	}
}

func TestVerifyIssuer(t *testing.T) {
	v, _ := newVerifier(t, "https://lucid.example/")
	good := mustIssue(t, "s3cret", NewClaims("alice", "https://lucid.example/", now, time.Hour))
	bad := mustIssue(t, "s3cret", NewClaims("alice", "https://elsewhere/", now, time.Hour))
	if _, err := v.Verify("Bearer " + good); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := v.Verify("Bearer " + bad); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateSecret()
	if len(a) != 64 || a == b {
		t.Fatalf("unexpected secrets %q %q", a, b)
	}
}

func TestIssueRequiresSecret(t *testing.T) {
	if _, err := Issue(nil, NewClaims("a", "b", now, time.Hour)); err == nil {
		t.Fatal("expected error")
	}
}
