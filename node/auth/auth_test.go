package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const issuer = "https://id.example.com"

func signRS256(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	signing := enc(map[string]string{"alg": "RS256", "typ": "JWT"}) + "." + enc(claims)
	sum := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func testVerifier(t *testing.T) (*OIDC, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	return NewOIDCVerifier(oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: "isolate"})), key
}

func TestStaticTokens(t *testing.T) {
	a := NewStaticTokens([]string{" alpha ", "", "beta"})
	id, err := a.Authenticate(context.Background(), "beta")
	if err != nil || id.Method != "static" {
		t.Fatalf("beta rejected: %v %+v", err, id)
	}
	if _, err := a.Authenticate(context.Background(), "gamma"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestOIDCVerifiesIDTokens(t *testing.T) {
	a, key := testVerifier(t)
	now := time.Now()
	good := signRS256(t, key, map[string]any{
		"iss": issuer, "aud": "isolate", "sub": "user-7",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	id, err := a.Authenticate(context.Background(), good)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Subject != "user-7" || id.Method != "oidc" {
		t.Fatalf("identity %+v", id)
	}

	wrongAudience := signRS256(t, key, map[string]any{
		"iss": issuer, "aud": "other", "sub": "user-7",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), wrongAudience); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected audience rejection, got %v", err)
	}
	expired := signRS256(t, key, map[string]any{
		"iss": issuer, "aud": "isolate", "sub": "user-7",
		"iat": now.Add(-2 * time.Hour).Unix(), "exp": now.Add(-time.Hour).Unix(),
	})
	if _, err := a.Authenticate(context.Background(), expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestChainFallsThrough(t *testing.T) {
	oidcAuth, _ := testVerifier(t)
	chain := Chain{oidcAuth, NewStaticTokens([]string{"secret"})}
	id, err := chain.Authenticate(context.Background(), "secret")
	if err != nil || id.Method != "static" {
		t.Fatalf("chain: %v %+v", err, id)
	}
	if _, err := chain.Authenticate(context.Background(), "nope"); err == nil {
		t.Fatal("chain accepted unknown token")
	}
}

func TestUnaryInterceptor(t *testing.T) {
	intercept := UnaryInterceptor(NewStaticTokens([]string{"secret"}), nil)
	var seen Identity
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = FromContext(ctx)
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/isolate.v1.Isolate/CreateEnvironment"}

	cases := []struct {
		name string
		md   metadata.MD
		code codes.Code
	}{
		{name: "missing", md: metadata.MD{}, code: codes.Unauthenticated},
		{name: "wrong", md: metadata.Pairs("authorization", "Bearer guess"), code: codes.Unauthenticated},
		{name: "basic scheme", md: metadata.Pairs("authorization", "Basic secret"), code: codes.Unauthenticated},
		{name: "valid", md: metadata.Pairs("authorization", "bearer secret"), code: codes.OK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), tc.md)
			_, err := intercept(ctx, nil, info, handler)
			if status.Code(err) != tc.code {
				t.Fatalf("code %v, want %v (%v)", status.Code(err), tc.code, err)
			}
		})
	}
	if seen.Method != "static" {
		t.Fatalf("identity not attached: %+v", seen)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := intercept(context.Background(), nil, health, handler); err != nil {
		t.Fatalf("health check needs no token: %v", err)
	}
}
