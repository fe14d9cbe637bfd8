package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the caller behind a verified token.
type Identity struct {
	Subject string
	Method  string
}

// Authenticator verifies a raw bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticTokens accepts a fixed set of shared secrets. Only digests are kept.
type StaticTokens struct {
	digests [][32]byte
}

func NewStaticTokens(tokens []string) *StaticTokens {
	s := &StaticTokens{}
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			s.digests = append(s.digests, sha256.Sum256([]byte(tok)))
		}
	}
	return s
}

func (s *StaticTokens) Authenticate(ctx context.Context, token string) (Identity, error) {
	sum := sha256.Sum256([]byte(token))
	for i, d := range s.digests {
		if subtle.ConstantTimeCompare(sum[:], d[:]) == 1 {
			return Identity{Subject: fmt.Sprintf("token-%d", i), Method: "static"}, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

// OIDC accepts ID tokens issued for one client.
type OIDC struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDC discovers issuer's keys.
func NewOIDC(ctx context.Context, issuer, clientID string) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}
	return &OIDC{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

func NewOIDCVerifier(verifier *oidc.IDTokenVerifier) *OIDC {
	return &OIDC{verifier: verifier}
}

func (o *OIDC) Authenticate(ctx context.Context, token string) (Identity, error) {
	idToken, err := o.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return Identity{Subject: idToken.Subject, Method: "oidc"}, nil
}

// Chain tries each authenticator in order.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (Identity, error) {
	var last error = ErrUnauthenticated
	for _, a := range c {
		id, err := a.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
		last = err
	}
	return Identity{}, last
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// healthPrefix is left open so load balancers can probe without credentials.
const healthPrefix = "/grpc.health.v1.Health/"

func UnaryInterceptor(a Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = orNop(logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, a, info.FullMethod, logger)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func StreamInterceptor(a Authenticator, logger *zap.Logger) grpc.StreamServerInterceptor {
	logger = orNop(logger)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), a, info.FullMethod, logger)
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

func authenticate(ctx context.Context, a Authenticator, method string, logger *zap.Logger) (context.Context, error) {
	token := bearerToken(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	id, err := a.Authenticate(ctx, token)
	if err != nil {
		logger.Info("rejected call", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Unauthenticated, "invalid bearer token")
	}
	return WithIdentity(ctx, id), nil
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, authz := range md.Get("authorization") {
		parts := strings.SplitN(strings.TrimSpace(authz), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named("auth")
}
