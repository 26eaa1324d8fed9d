package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationHeader = "authorization"

// Token errors returned by TokenAuthority.
var (
	ErrInvalidToken           = errors.New("invalid token")
	ErrExpiredToken           = errors.New("token has expired")
	ErrInvalidAuthorityConfig = errors.New("invalid token authority config")
)

// AdminClaims are the claims carried by admin bearer tokens.
type AdminClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenAuthority issues and validates HS256 admin tokens.
type TokenAuthority struct {
	signingKey []byte
	issuer     string
	role       string
	now        func() time.Time
}

// NewTokenAuthority builds an authority for one issuer and required role.
func NewTokenAuthority(signingKey string, issuer string, role string) (*TokenAuthority, error) {
	if strings.TrimSpace(signingKey) == "" || strings.TrimSpace(issuer) == "" || strings.TrimSpace(role) == "" {
		return nil, fmt.Errorf("%w: signing key, issuer and role are required", ErrInvalidAuthorityConfig)
	}
	return &TokenAuthority{signingKey: []byte(signingKey), issuer: issuer, role: role, now: time.Now}, nil
}

// Issue signs a token for subject that carries the admin role.
func (authority *TokenAuthority) Issue(subject string, ttl time.Duration) (string, error) {
	issuedAt := authority.now().UTC()
	claims := AdminClaims{
		Roles: []string{authority.role},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    authority.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(authority.signingKey)
}

// Validate parses a token and checks its signature, issuer and expiry.
func (authority *TokenAuthority) Validate(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return authority.signingKey, nil
	}, jwt.WithIssuer(authority.issuer), jwt.WithTimeFunc(authority.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UnaryInterceptor rejects calls without a valid bearer token holding the admin role.
func (authority *TokenAuthority) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		token, err := extractBearer(ctx)
		if err != nil {
			return nil, err
		}
		claims, err := authority.Validate(token)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}
		if !slices.Contains(claims.Roles, authority.role) {
			return nil, status.Error(codes.PermissionDenied, "admin role required")
		}
		return handler(ctx, request)
	}
}

func extractBearer(ctx context.Context) (string, error) {
	incoming, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "metadata is not provided")
	}
	values := incoming.Get(authorizationHeader)
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "authorization token is not provided")
	}
	token := values[0]
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	return token, nil
}
