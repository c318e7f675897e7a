package rpc

import (
	"context"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// authUnaryInterceptor rejects unary calls missing a valid bearer token
// signed with secret. An empty secret disables authentication entirely,
// matching the teacher's no-secret-configured-means-dev-mode convention.
func authUnaryInterceptor(secret string, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if secret == "" {
			return handler(ctx, req)
		}
		if err := authenticate(ctx, secret); err != nil {
			logger.Warn("rpc: rejected unauthenticated call", "method", info.FullMethod, "error", err)
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authStreamInterceptor is authUnaryInterceptor's streaming counterpart.
func authStreamInterceptor(secret string, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if secret == "" {
			return handler(srv, ss)
		}
		if err := authenticate(ss.Context(), secret); err != nil {
			logger.Warn("rpc: rejected unauthenticated stream", "method", info.FullMethod, "error", err)
			return err
		}
		return handler(srv, ss)
	}
}

func authenticate(ctx context.Context, secret string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	raw, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || strings.TrimSpace(raw) == "" {
		return status.Error(codes.Unauthenticated, "malformed authorization header")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, status.Error(codes.Unauthenticated, "unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}
