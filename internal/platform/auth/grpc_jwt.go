package auth

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// HealthCheckMethods are served without a token so probes need no credentials.
var HealthCheckMethods = []string{
	"/grpc.health.v1.Health/Check",
	"/grpc.health.v1.Health/Watch",
}

// UnaryJWTInterceptor resolves the caller's Actor from the bearer token in
// the authorization metadata. Tokens with a role outside KnownRole are
// PermissionDenied; every other token failure is Unauthenticated.
func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	allow := make(map[string]struct{}, len(allowUnauthenticatedMethods))
	for _, m := range allowUnauthenticatedMethods {
		allow[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := allow[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		actor, err := actorFromMetadata(ctx, verifier)
		if err != nil {
			return nil, err
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func actorFromMetadata(ctx context.Context, verifier *JWTVerifier) (Actor, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Actor{}, status.Error(codes.Unauthenticated, "missing metadata")
	}
	for _, h := range md.Get("authorization") {
		tok, ok := bearerToken(h)
		if !ok {
			continue
		}
		actor, err := verifier.ParseActor(tok)
		switch {
		case errors.Is(err, ErrUnknownRole):
			return Actor{}, status.Error(codes.PermissionDenied, "role not permitted")
		case err != nil:
			return Actor{}, status.Error(codes.Unauthenticated, "invalid token")
		}
		return actor, nil
	}
	return Actor{}, status.Error(codes.Unauthenticated, "missing bearer token")
}
