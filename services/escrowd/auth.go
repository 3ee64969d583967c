package escrowd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"opticgov/observability/logging"
)

// AuthConfig configures HMAC bearer token verification. The token subject
// carries the caller's address.
type AuthConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	// QueryToken allows the token to be passed as ?access_token= for clients
	// that cannot set headers (browser websockets).
	QueryToken bool
}

type contextKey string

const contextKeyCaller contextKey = "escrowd.caller"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid token")
)

// Authenticator validates bearer tokens and resolves the caller identity.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator. A non-positive clock skew
// defaults to 30 seconds.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.Secret)), logger: logger}
}

// Middleware rejects requests without a valid token and stores the caller
// address in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" && a.cfg.QueryToken {
			tokenString = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", errMissingToken)
			return
		}
		caller, err := a.Verify(tokenString)
		if err != nil {
			a.logger.Warn("token validation failed",
				slog.Any("error", err),
				slog.String("path", r.URL.Path),
				logging.MaskField("authorization", tokenString))
			writeError(w, http.StatusUnauthorized, "unauthenticated", errInvalidToken)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyCaller, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses tokenString and returns the caller address from its subject.
func (a *Authenticator) Verify(tokenString string) (common.Address, error) {
	if len(a.secret) == 0 {
		return common.Address{}, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, err
	}
	if !token.Valid {
		return common.Address{}, errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if !common.IsHexAddress(subject) {
		return common.Address{}, errors.New("subject is not an address")
	}
	caller := common.HexToAddress(subject)
	if caller == (common.Address{}) {
		return common.Address{}, errors.New("subject is the zero address")
	}
	return caller, nil
}

// IssueToken signs an HS256 token whose subject is the caller address.
func IssueToken(secret, issuer, audience string, caller common.Address, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("secret required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

// CallerFromContext returns the authenticated caller.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(common.Address)
	return caller, ok
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
