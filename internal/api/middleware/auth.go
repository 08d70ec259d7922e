package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phrazzld/contextflow/internal/api/shared"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/redact"
)

// MinSecretLength is the shortest HMAC secret accepted.
const MinSecretLength = 32

// defaultLeeway tolerates clock drift between token issuer and API.
const defaultLeeway = 2 * time.Minute

// AuthMiddleware verifies HS256 bearer tokens issued by an external identity
// provider that shares the signing secret.
type AuthMiddleware struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthMiddleware creates an AuthMiddleware for the given secret.
func NewAuthMiddleware(secret string) (*AuthMiddleware, error) {
	if len(secret) < MinSecretLength {
		return nil, errors.New("jwt secret must be at least 32 characters")
	}
	return newAuthMiddleware(secret, time.Now), nil
}

func newAuthMiddleware(secret string, now func() time.Time) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(defaultLeeway),
			jwt.WithTimeFunc(now),
		),
	}
}

// Authenticate rejects requests without a valid bearer token and stores the
// token subject as the request principal.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		var claims jwt.RegisteredClaims
		_, err := m.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return m.secret, nil
		})
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
			return
		case err != nil:
			logger.FromContext(r.Context()).Debug("rejected bearer token", "error", redact.Error(err))
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
			return
		case claims.Subject == "":
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := shared.WithPrincipal(r.Context(), claims.Subject)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With("principal", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
