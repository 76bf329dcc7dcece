package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestParseActor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	claims := jwt.MapClaims{
		"sub":  "7",
		"role": RoleCustomer,
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	actor, err := verifier.ParseActor(signed)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.AccountID != 7 || actor.Role != RoleCustomer {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseActorRejectsBadTokens(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	now := time.Now().UTC()

	wrongKey, _, _ := NewJWTSigner("other").SignActor(Actor{AccountID: 7, Role: RoleCustomer}, now, time.Hour)
	expired, _, _ := NewJWTSigner("test-secret").SignActor(Actor{AccountID: 7, Role: RoleCustomer}, now.Add(-2*time.Hour), time.Hour)
	noRole, _, _ := NewJWTSigner("test-secret").SignActor(Actor{AccountID: 7}, now, time.Hour)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7", "role": RoleCustomer}).SignedString([]byte("test-secret"))
	unknownRole, _, _ := NewJWTSigner("test-secret").SignActor(Actor{AccountID: 7, Role: "operator"}, now, time.Hour)
	badSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "abc", "role": RoleCustomer, "exp": now.Add(time.Hour).Unix()}).SignedString([]byte("test-secret"))

	for name, tok := range map[string]string{
		"wrong key":    wrongKey,
		"expired":      expired,
		"no role":      noRole,
		"no exp":       noExp,
		"bad sub":      badSub,
		"unknown role": unknownRole,
		"garbage":      "not.a.token",
	} {
		if _, err := verifier.ParseActor(tok); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestSignActorRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	signed, expires, err := NewJWTSigner("s3cret").SignActor(Actor{AccountID: 42, Role: RoleBusiness}, now, 15*time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !expires.Equal(now.Add(15 * time.Minute).UTC()) {
		t.Fatalf("unexpected expiry: %s", expires)
	}
	actor, err := NewJWTVerifier("s3cret").ParseActor(signed)
	if err != nil || actor.AccountID != 42 || actor.Role != RoleBusiness {
		t.Fatalf("round trip: actor=%+v err=%v", actor, err)
	}
}

func TestHTTPJWTMiddleware(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	signed, _, _ := NewJWTSigner("test-secret").SignActor(Actor{AccountID: 9, Role: RoleAdmin}, time.Now(), time.Hour)

	var seen Actor
	h := HTTPJWTMiddlewareWithSkips(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), []string{"/healthz"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/transactions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected skip path to pass, got=%d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen.AccountID != 9 || !seen.IsAdmin() {
		t.Fatalf("expected actor in context, code=%d actor=%+v", rec.Code, seen)
	}
}

func TestUnaryJWTInterceptor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	signed, _, _ := NewJWTSigner("test-secret").SignActor(Actor{AccountID: 3, Role: RoleCustomer}, time.Now(), time.Hour)
	icpt := UnaryJWTInterceptor(verifier, []string{"/grpc.health.v1.Health/Check"})
	handler := func(ctx context.Context, _ any) (any, error) {
		actor, _ := ActorFromContext(ctx)
		return actor, nil
	}

	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/paycode.v1.PaymentCodeService/Redeem"}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got=%v", err)
	}
	if _, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler); err != nil {
		t.Fatalf("expected allowed method to pass: %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+signed))
	out, err := icpt(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/paycode.v1.PaymentCodeService/Redeem"}, handler)
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	if actor := out.(Actor); actor.AccountID != 3 {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestUnaryJWTInterceptorTokenHandling(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	signer := NewJWTSigner("test-secret")
	customer, _, _ := signer.SignActor(Actor{AccountID: 5, Role: RoleCustomer}, time.Now(), time.Hour)
	operator, _, _ := signer.SignActor(Actor{AccountID: 5, Role: "operator"}, time.Now(), time.Hour)
	icpt := UnaryJWTInterceptor(verifier, HealthCheckMethods)
	info := &grpc.UnaryServerInfo{FullMethod: "/paycode.v1.PaymentCodeService/CreateCode"}
	handler := func(ctx context.Context, _ any) (any, error) {
		actor, _ := ActorFromContext(ctx)
		return actor, nil
	}

	cases := []struct {
		name   string
		header string
		want   codes.Code
	}{
		{"lowercase scheme", "bearer " + customer, codes.OK},
		{"unknown role", "Bearer " + operator, codes.PermissionDenied},
		{"basic scheme", "Basic dXNlcjpwYXNz", codes.Unauthenticated},
		{"empty token", "Bearer ", codes.Unauthenticated},
		{"tampered", "Bearer " + customer + "x", codes.Unauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", tc.header))
			out, err := icpt(ctx, nil, info, handler)
			if status.Code(err) != tc.want {
				t.Fatalf("want=%s got=%v", tc.want, err)
			}
			if tc.want == codes.OK && out.(Actor).AccountID != 5 {
				t.Fatalf("unexpected actor: %+v", out)
			}
		})
	}

	for _, m := range HealthCheckMethods {
		if _, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: m}, handler); err != nil {
			t.Fatalf("%s must not require a token: %v", m, err)
		}
	}
}

func TestHTTPJWTMiddlewareRejectsUnknownRole(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	operator, _, _ := NewJWTSigner("test-secret").SignActor(Actor{AccountID: 5, Role: "operator"}, time.Now(), time.Hour)
	h := HTTPJWTMiddleware(verifier, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+operator)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown role, got=%d", rec.Code)
	}
}
