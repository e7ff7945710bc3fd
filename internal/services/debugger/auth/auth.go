// Package auth mints and verifies operator bearer tokens for the debugger
// APIs.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/louisbranch/rewind/internal/platform/errors"
	"github.com/louisbranch/rewind/internal/platform/requestctx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// DefaultIssuer is the issuer written into and expected from operator tokens.
const DefaultIssuer = "rewind"

// Config controls token signing. An empty Secret disables authentication.
type Config struct {
	Secret string        `env:"REWIND_AUTH_SECRET"`
	Issuer string        `env:"REWIND_AUTH_ISSUER" envDefault:"rewind"`
	TTL    time.Duration `env:"REWIND_AUTH_TTL" envDefault:"12h"`
}

// Claims identify one operator.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

type operatorClaims struct {
	jwt.RegisteredClaims
}

// Authenticator signs and checks HS256 operator tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New builds an authenticator from cfg.
func New(cfg Config) *Authenticator {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Enabled reports whether requests must carry a token.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Mint signs a token for subject.
func (a *Authenticator) Mint(subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if !a.Enabled() {
		return "", errors.New("auth secret is not configured")
	}
	now := a.now().UTC()
	claims := operatorClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify checks token and returns its claims.
func (a *Authenticator) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, unauthenticated("bearer token is required")
	}
	var parsed operatorClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, unauthenticated("bearer token is expired")
		}
		return Claims{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "bearer token is invalid", err)
	}
	if parsed.Subject == "" {
		return Claims{}, unauthenticated("bearer token subject is required")
	}
	return Claims{Subject: parsed.Subject, ExpiresAt: parsed.ExpiresAt.Time}, nil
}

// authenticate returns ctx carrying the operator named by header.
func (a *Authenticator) authenticate(ctx context.Context, header string) (context.Context, error) {
	if !a.Enabled() {
		return ctx, nil
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ctx, unauthenticated("authorization header must be Bearer <token>")
	}
	claims, err := a.Verify(token)
	if err != nil {
		return ctx, err
	}
	return requestctx.WithOperator(ctx, claims.Subject), nil
}

// Middleware rejects HTTP requests without a valid token. Paths in public
// pass through.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, *http.Request, error), public ...string) func(http.Handler) http.Handler {
	open := map[string]bool{}
	for _, p := range public {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				if token := r.URL.Query().Get("access_token"); token != "" {
					header = "Bearer " + token
				}
			}
			ctx, err := a.authenticate(r.Context(), header)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UnaryInterceptor rejects unary RPCs without a valid token. Methods with a
// prefix in public pass through.
func (a *Authenticator) UnaryInterceptor(toStatus func(context.Context, error) error, public ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isPublic(info.FullMethod, public) {
			return handler(ctx, req)
		}
		ctx, err := a.authenticate(ctx, bearerFromMetadata(ctx))
		if err != nil {
			return nil, toStatus(ctx, err)
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor is UnaryInterceptor for streaming RPCs.
func (a *Authenticator) StreamInterceptor(toStatus func(context.Context, error) error, public ...string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if isPublic(info.FullMethod, public) {
			return handler(srv, ss)
		}
		ctx, err := a.authenticate(ss.Context(), bearerFromMetadata(ss.Context()))
		if err != nil {
			return toStatus(ss.Context(), err)
		}
		return handler(srv, &operatorStream{ServerStream: ss, ctx: ctx})
	}
}

type operatorStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *operatorStream) Context() context.Context { return s.ctx }

func bearerFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func isPublic(method string, public []string) bool {
	for _, p := range public {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}

func unauthenticated(message string) *apperrors.Error {
	return apperrors.New(apperrors.CodeUnauthenticated, message)
}
