// Package authn issues and verifies the HS256 access tokens that identify the
// user behind a site API request.
package authn

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
	"github.com/keithlinneman/linnemanlabs-pages/internal/xerrors"
)

// CookieName is the cookie checked when no Authorization header is sent.
const CookieName = "token"

const (
	issuer       = "linnemanlabs-pages"
	maxUserLen   = 64
	minSecretLen = 32
	clockLeeway  = 30 * time.Second
)

var (
	ErrNoToken     = xerrors.New("no access token")
	ErrInvalidUser = xerrors.New("invalid user id")
)

// ValidUser reports whether name is a usable user id: 1..64 of [A-Za-z0-9_-].
func ValidUser(name string) bool {
	if name == "" || len(name) > maxUserLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func checkSecret(secret []byte) error {
	if len(secret) < minSecretLen {
		return xerrors.Newf("token secret must be at least %d bytes", minSecretLen)
	}
	return nil
}

// Issue mints a token for user valid for ttl.
func Issue(secret []byte, user string, ttl time.Duration) (string, error) {
	if err := checkSecret(secret); err != nil {
		return "", err
	}
	if !ValidUser(user) {
		return "", ErrInvalidUser
	}
	if ttl <= 0 {
		return "", xerrors.Newf("token ttl must be positive, got %s", ttl)
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	s, err := tok.SignedString(secret)
	if err != nil {
		return "", xerrors.Wrap(err, "sign token")
	}
	return s, nil
}

// Verifier checks tokens signed with one shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret []byte) (*Verifier, error) {
	if err := checkSecret(secret); err != nil {
		return nil, err
	}
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(clockLeeway),
		),
	}, nil
}

// Verify returns the user id carried by a valid token.
func (v *Verifier) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return "", xerrors.Wrap(err, "verify token")
	}
	if !ValidUser(claims.Subject) {
		return "", ErrInvalidUser
	}
	return claims.Subject, nil
}

// ParameterGetter is the slice of the SSM client SecretFromSSM needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretFromSSM reads the token secret from a (SecureString) parameter.
func SecretFromSSM(ctx context.Context, client ParameterGetter, name string) ([]byte, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(aws.ToString(out.Parameter.Value))
	if v == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(v), nil
}

type userKey struct{}

// WithUser stores the authenticated user id in ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the authenticated user id, if any.
func UserFrom(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey{}).(string)
	return u, ok && u != ""
}

// TokenFromRequest reads a Bearer Authorization header, falling back to the
// token cookie.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
			return "", xerrors.New("malformed Authorization header")
		}
		return strings.TrimSpace(tok), nil
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoToken
}

// Middleware rejects requests without a valid token with 401 and stores the
// user id in the request context (and its logger) otherwise.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			tok, err := TokenFromRequest(r)
			if err == nil {
				var user string
				if user, err = v.Verify(tok); err == nil {
					ctx = WithUser(ctx, user)
					ctx = log.WithContext(ctx, log.FromContext(ctx).With("user", user))
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			log.FromContext(ctx).Debug(ctx, "unauthenticated request", "reason", err.Error())
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="pages"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
		})
	}
}
