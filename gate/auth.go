package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vitwit/x402-agent-gateway/types"
)

const (
	HeaderAPIKey        = "X-API-Key"
	HeaderAuthorization = "Authorization"
)

type subjectKey struct{}

// SubjectFromContext returns the caller identity set by the gate, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey{}).(string)
	return s, ok && s != ""
}

// Authenticator verifies caller credentials and returns a subject.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// PresenceAuthenticator accepts any request carrying an API key or an
// Authorization header. Verifying the credential itself is left to an
// upstream component, so no subject is established.
type PresenceAuthenticator struct{}

func (PresenceAuthenticator) Authenticate(r *http.Request) (string, error) {
	if strings.TrimSpace(r.Header.Get(HeaderAPIKey)) != "" ||
		strings.TrimSpace(r.Header.Get(HeaderAuthorization)) != "" {
		return "", nil
	}
	return "", types.NewError(types.KindUnauthenticated, types.ReasonMissingCredential,
		"Authentication required: provide X-API-Key or Authorization header")
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &JWTAuthenticator{secret: []byte(secret)}, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get(HeaderAuthorization)
	if header == "" {
		return "", types.NewError(types.KindUnauthenticated, types.ReasonMissingCredential,
			"Authorization header required")
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header {
		return "", types.NewError(types.KindUnauthenticated, types.ReasonInvalidCredential,
			"Invalid Authorization header format")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", types.NewError(types.KindUnauthenticated, types.ReasonInvalidCredential,
			"Invalid token").Wrap(err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", types.NewError(types.KindUnauthenticated, types.ReasonInvalidCredential,
			"token has no subject")
	}
	return sub, nil
}
